// Package config provides configuration management for the portfolio engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"portfolio-engine/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Ledger        LedgerConfig       `mapstructure:"ledger"`
	Quotes        QuotesConfig       `mapstructure:"quotes"`
	Valuation     ValuationConfig    `mapstructure:"valuation"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Alerts        AlertsConfig       `mapstructure:"alerts"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Store         StoreConfig        `mapstructure:"store"`
	Scoring       ScoringConfig      `mapstructure:"scoring"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// LedgerConfig holds ledger persistence configuration.
type LedgerConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// QuotesConfig holds quote fetching configuration.
type QuotesConfig struct {
	CacheTTL       time.Duration        `mapstructure:"cache_ttl"`
	SourceTimeout  time.Duration        `mapstructure:"source_timeout"`
	Workers        int                  `mapstructure:"workers"`
	Sources        map[string][]string  `mapstructure:"sources"`     // market -> ordered source names
	RateLimits     map[string]float64   `mapstructure:"rate_limits"` // source -> requests per second
	RedisAddr      string               `mapstructure:"redis_addr"`
	RedisDB        int                  `mapstructure:"redis_db"`
	RedisPassword  string               `mapstructure:"redis_password"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	JSONSources    []JSONSourceConfig   `mapstructure:"json_sources"`
}

// CircuitBreakerConfig configures the per-source circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// JSONSourceConfig describes a generic JSON quote vendor addressed by JSONPath.
// URL may contain {symbol} and {market} placeholders.
type JSONSourceConfig struct {
	Name         string   `mapstructure:"name"`
	URL          string   `mapstructure:"url"`
	PricePath    string   `mapstructure:"price_path"`
	CurrencyPath string   `mapstructure:"currency_path"`
	Markets      []string `mapstructure:"markets"`
}

// ValuationConfig holds valuation configuration.
type ValuationConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// SchedulerConfig holds the periodic task configuration.
type SchedulerConfig struct {
	PriceRefreshInterval time.Duration `mapstructure:"price_refresh_interval"`
	ValuationInterval    time.Duration `mapstructure:"valuation_interval"`
	DailyReportAt        string        `mapstructure:"daily_report_at"`   // HH:MM
	WeeklyReportDay      string        `mapstructure:"weekly_report_day"` // monday..sunday
	WeeklyReportAt       string        `mapstructure:"weekly_report_at"`  // HH:MM
	AlertCooldown        time.Duration `mapstructure:"alert_cooldown"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
}

// AlertsConfig holds alert rule thresholds.
type AlertsConfig struct {
	SwingLow        float64            `mapstructure:"swing_low"`
	SwingMedium     float64            `mapstructure:"swing_medium"`
	SwingHigh       float64            `mapstructure:"swing_high"`
	SellScore       float64            `mapstructure:"sell_score"`
	StrongSellScore float64            `mapstructure:"strong_sell_score"`
	ScoreWeights    map[string]float64 `mapstructure:"score_weights"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, alerts_only, reports_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// StoreConfig holds history database configuration.
type StoreConfig struct {
	HistoryDB string `mapstructure:"history_db"`
}

// ScoringConfig configures the optional LLM score provider.
type ScoringConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint served by the daemon.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Credentials holds API credentials.
type Credentials struct {
	AlphaVantage APIKeyCredentials `mapstructure:"alphavantage"`
	OpenAI       APIKeyCredentials `mapstructure:"openai"`
}

// APIKeyCredentials holds a single vendor API key.
type APIKeyCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/portfolio-engine"
	}
	return filepath.Join(home, ".config", "portfolio-engine")
}

// Default returns the configuration with every default applied, rooted at the
// default configuration directory.
func Default() *Config {
	return defaultsFor(DefaultConfigDir())
}

func defaultsFor(configDir string) *Config {
	v := viper.New()
	setDefaults(v, configDir)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by the template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv(configDir)

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads .env files from the config dir and the working dir.
// Variables already present in the environment win.
func loadDotEnv(configDir string) {
	for _, path := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func setDefaults(v *viper.Viper, configDir string) {
	dataDir := filepath.Join(configDir, "data")

	v.SetDefault("ledger.data_dir", dataDir)

	v.SetDefault("quotes.cache_ttl", 5*time.Minute)
	v.SetDefault("quotes.source_timeout", 10*time.Second)
	v.SetDefault("quotes.workers", 8)
	v.SetDefault("quotes.sources", map[string][]string{
		"domestic-equity": {"tencent", "sina", "yahoo"},
		"us-equity":       {"yahoo", "alphavantage"},
		"hk-equity":       {"tencent", "yahoo"},
		"fund":            {"eastmoney"},
	})
	v.SetDefault("quotes.rate_limits", map[string]float64{
		"alphavantage": 0.2,
	})
	v.SetDefault("quotes.redis_db", 0)
	v.SetDefault("quotes.circuit_breaker.failure_threshold", 5)
	v.SetDefault("quotes.circuit_breaker.timeout", 2*time.Minute)

	v.SetDefault("valuation.stale_after", 30*time.Minute)

	v.SetDefault("scheduler.price_refresh_interval", 5*time.Minute)
	v.SetDefault("scheduler.valuation_interval", 60*time.Minute)
	v.SetDefault("scheduler.daily_report_at", "18:00")
	v.SetDefault("scheduler.weekly_report_day", "sunday")
	v.SetDefault("scheduler.weekly_report_at", "18:00")
	v.SetDefault("scheduler.alert_cooldown", 60*time.Minute)
	v.SetDefault("scheduler.tick_interval", time.Second)

	v.SetDefault("alerts.swing_low", 5.0)
	v.SetDefault("alerts.swing_medium", 10.0)
	v.SetDefault("alerts.swing_high", 20.0)
	v.SetDefault("alerts.sell_score", 35.0)
	v.SetDefault("alerts.strong_sell_score", 20.0)
	v.SetDefault("alerts.score_weights", map[string]float64{
		"fundamental": 0.4,
		"technical":   0.4,
		"sentiment":   0.2,
	})

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.email.smtp_port", 587)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "portfolio.log"))
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("store.history_db", filepath.Join(dataDir, "history.db"))

	v.SetDefault("scoring.enabled", false)
	v.SetDefault("scoring.model", "gpt-4o-mini")
	v.SetDefault("scoring.timeout", 60*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9108")
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.Credentials.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Quotes.RedisAddr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Quotes.RedisDB = db
		}
	}
	if v := os.Getenv("PORTFOLIO_DATA_DIR"); v != "" {
		cfg.Ledger.DataDir = v
		cfg.Store.HistoryDB = filepath.Join(v, "history.db")
	}
	if v := os.Getenv("PORTFOLIO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday parses a lower-case English weekday name.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", errors.ErrConfigInvalid, s)
	}
	return d, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Ledger.DataDir == "" {
		return fmt.Errorf("%w: ledger.data_dir must be set", errors.ErrConfigInvalid)
	}

	if c.Quotes.CacheTTL < 0 {
		return fmt.Errorf("%w: quotes.cache_ttl must be non-negative", errors.ErrConfigInvalid)
	}
	if c.Quotes.SourceTimeout <= 0 {
		return fmt.Errorf("%w: quotes.source_timeout must be positive", errors.ErrConfigInvalid)
	}
	if c.Quotes.Workers < 1 {
		return fmt.Errorf("%w: quotes.workers must be at least 1", errors.ErrConfigInvalid)
	}
	for _, js := range c.Quotes.JSONSources {
		if js.Name == "" || js.URL == "" || js.PricePath == "" {
			return fmt.Errorf("%w: quotes.json_sources entries need name, url and price_path", errors.ErrConfigInvalid)
		}
	}

	if c.Scheduler.PriceRefreshInterval <= 0 || c.Scheduler.ValuationInterval <= 0 {
		return fmt.Errorf("%w: scheduler intervals must be positive", errors.ErrConfigInvalid)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("%w: scheduler.tick_interval must be positive", errors.ErrConfigInvalid)
	}
	if !clockPattern.MatchString(c.Scheduler.DailyReportAt) {
		return fmt.Errorf("%w: scheduler.daily_report_at must be HH:MM", errors.ErrConfigInvalid)
	}
	if !clockPattern.MatchString(c.Scheduler.WeeklyReportAt) {
		return fmt.Errorf("%w: scheduler.weekly_report_at must be HH:MM", errors.ErrConfigInvalid)
	}
	if _, err := ParseWeekday(c.Scheduler.WeeklyReportDay); err != nil {
		return err
	}
	if c.Scheduler.AlertCooldown < 0 {
		return fmt.Errorf("%w: scheduler.alert_cooldown must be non-negative", errors.ErrConfigInvalid)
	}

	a := c.Alerts
	if a.SwingLow <= 0 || a.SwingLow >= a.SwingMedium || a.SwingMedium >= a.SwingHigh {
		return fmt.Errorf("%w: alert swing thresholds must satisfy 0 < low < medium < high", errors.ErrConfigInvalid)
	}
	if a.SellScore < 0 || a.SellScore > 100 || a.StrongSellScore < 0 || a.StrongSellScore > a.SellScore {
		return fmt.Errorf("%w: alert score thresholds must be within 0..100 with strong_sell <= sell", errors.ErrConfigInvalid)
	}

	switch c.Notifications.Level {
	case "", "all", "alerts_only", "reports_only":
	default:
		return fmt.Errorf("%w: notifications.level must be all, alerts_only or reports_only", errors.ErrConfigInvalid)
	}

	return nil
}
