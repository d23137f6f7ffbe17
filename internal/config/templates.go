package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Portfolio Engine Configuration

[ledger]
# Directory holding transactions.jsonl and positions.jsonl
# data_dir = "~/.config/portfolio-engine/data"

[quotes]
# How long a fetched quote is served from cache
cache_ttl = "5m"
# Timeout applied to each individual quote source call
source_timeout = "10s"
# Concurrent quote lookups during a batch refresh
workers = 8
# Optional shared cache tier
redis_addr = ""
redis_db = 0

# Ordered source priority per market
[quotes.sources]
domestic-equity = ["tencent", "sina", "yahoo"]
us-equity = ["yahoo", "alphavantage"]
hk-equity = ["tencent", "yahoo"]
fund = ["eastmoney"]

# Requests per second allowed per source (unlisted sources are unlimited)
[quotes.rate_limits]
alphavantage = 0.2

[quotes.circuit_breaker]
failure_threshold = 5
timeout = "2m"

# Additional JSON vendors addressed by JSONPath
# [[quotes.json_sources]]
# name = "myvendor"
# url = "https://example.com/quote?s={symbol}"
# price_path = "$.data.price"
# currency_path = "$.data.currency"
# markets = ["us-equity"]

[valuation]
# Stale positions older than this raise a stale_price alert
stale_after = "30m"

[scheduler]
price_refresh_interval = "5m"
valuation_interval = "60m"
daily_report_at = "18:00"
weekly_report_day = "sunday"
weekly_report_at = "18:00"
# Identical alerts (symbol + rule) are suppressed for this long
alert_cooldown = "60m"
tick_interval = "1s"

[alerts]
swing_low = 5.0
swing_medium = 10.0
swing_high = 20.0
sell_score = 35.0
strong_sell_score = 20.0

[alerts.score_weights]
fundamental = 0.4
technical = 0.4
sentiment = 0.2

[notifications]
enabled = false
# Notification level: all, alerts_only, reports_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""

[logging]
level = "info"
console = true
file = true

[scoring]
enabled = false
model = "gpt-4o-mini"

[metrics]
enabled = false
addr = ":9108"
`

const credentialsTemplate = `# Portfolio Engine Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[alphavantage]
api_key = ""

[openai]
api_key = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}
