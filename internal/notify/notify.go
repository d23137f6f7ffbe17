// Package notify delivers alerts and reports to external channels.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/config"
	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/security"
	"portfolio-engine/pkg/utils"
)

// Sink accepts notifications. Delivery failures are reported to the caller
// and never touch ledger state.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message. HTML, when set, is an
// alternative rendering of Message for channels that support it.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	HTML      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationAlert  NotificationType = "alert"
	NotificationReport NotificationType = "report"
	NotificationError  NotificationType = "error"
	NotificationInfo   NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll         NotificationLevel = "all"
	LevelAlertsOnly  NotificationLevel = "alerts_only"
	LevelReportsOnly NotificationLevel = "reports_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	retry    utils.RetryConfig
	logger   zerolog.Logger
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
// A log channel is always attached; external channels only when notifications
// are enabled.
func NewMultiNotifier(cfg *config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
		retry:    utils.DefaultRetryConfig(),
		logger:   logging.WithComponent(logger, "notify"),
		now:      time.Now,
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	mn.channels = append(mn.channels, NewLogNotifier(mn.logger))
	if !cfg.Enabled {
		return mn
	}

	// Add enabled channels
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// SetRetry replaces the per-channel retry policy.
func (mn *MultiNotifier) SetRetry(cfg utils.RetryConfig) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.retry = cfg
}

// Channels returns the names of the enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	var names []string
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

// shouldSend checks if a notification should be sent based on the level
// filter. Errors always go out.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelAlertsOnly:
		return notifType == NotificationAlert || notifType == NotificationError
	case LevelReportsOnly:
		return notifType == NotificationReport || notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels. Each channel is retried
// independently; one failing channel does not stop the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = mn.now()
	}

	mn.mu.RLock()
	channels := mn.channels
	retry := mn.retry
	mn.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		err := utils.Retry(ctx, retry, func() error { return ch.Send(ctx, n) })
		if err != nil {
			mn.logger.Warn().Err(err).Str("channel", ch.Name()).Str("type", string(n.Type)).Msg("Notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "notification errors")
	}
	return nil
}

var severityEmoji = map[models.Severity]string{
	models.SeverityLow:    "🔔",
	models.SeverityMedium: "⚠️",
	models.SeverityHigh:   "🚨",
}

// SendAlert sends an alert notification.
func (mn *MultiNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	subject := alert.Symbol
	if subject == "" {
		subject = "portfolio"
	}
	title := fmt.Sprintf("%s %s alert: %s", severityEmoji[alert.Severity], strings.ToUpper(string(alert.Severity)), subject)

	data := map[string]interface{}{
		"id":        alert.ID,
		"rule":      alert.Rule,
		"severity":  alert.Severity,
		"value":     alert.Value,
		"threshold": alert.Threshold,
	}
	if alert.Symbol != "" {
		data["symbol"] = alert.Symbol
		data["market"] = alert.Market
	}

	return mn.Send(ctx, Notification{
		Type:      NotificationAlert,
		Title:     title,
		Message:   alert.Message,
		Data:      data,
		Timestamp: alert.CreatedAt,
	})
}

// SendReport sends a rendered report. html may be empty.
func (mn *MultiNotifier) SendReport(ctx context.Context, title, markdown, html string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationReport,
		Title:   "📊 " + title,
		Message: markdown,
		HTML:    html,
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	title := "❌ Error Occurred"
	// Vendor errors can carry request URLs with API keys.
	errText := security.MaskString(err.Error())
	message := fmt.Sprintf("Context: %s\nError: %s\nTime: %s",
		errContext, errText, mn.now().Format("15:04:05"))

	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"context": errContext,
			"error":   errText,
		},
	})
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs the notification title and data; report bodies are not logged.
func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	event := l.logger.Info()
	if n.Type == NotificationError {
		event = l.logger.Error()
	}
	event = event.Str("type", string(n.Type)).Str("title", n.Title)
	if n.Type != NotificationReport {
		event = event.Str("message", n.Message)
	}
	if len(n.Data) > 0 {
		event = event.Fields(n.Data)
	}
	event.Msg("Notification")
	return nil
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return utils.Permanent(fmt.Errorf("marshaling webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return utils.Permanent(fmt.Errorf("creating webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PortfolioEngine/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	return statusError("webhook", resp.StatusCode)
}

// statusError maps a non-2xx response to an error. Client errors other than
// 429 are not retried.
func statusError(channel string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%s returned status %d", channel, status)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return utils.Permanent(err)
	}
	return err
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  "https://api.telegram.org",
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Telegram caps message text at 4096 characters.
const telegramMaxText = 4096

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	// Format message for Telegram (using HTML parse mode)
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	if r := []rune(text); len(r) > telegramMaxText {
		text = string(r[:telegramMaxText-1]) + "…"
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return utils.Permanent(fmt.Errorf("marshaling telegram payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return utils.Permanent(fmt.Errorf("creating telegram request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	return statusError("telegram API", resp.StatusCode)
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// EmailNotifier sends notifications via email using SMTP.
type EmailNotifier struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       string
	enabled  bool
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "" && cfg.To != "",
	}
}

// Name returns the name of the notifier.
func (e *EmailNotifier) Name() string {
	return "email"
}

// IsEnabled returns whether the notifier is enabled.
func (e *EmailNotifier) IsEnabled() bool {
	return e.enabled
}

// Send sends a notification via email. Reports carrying HTML are sent as
// text/html.
func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}

	msg := e.buildMessage(n)
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	// Use TLS for secure connection
	if e.smtpPort == 465 {
		return e.sendWithTLS(addr, auth, msg)
	}

	// Use STARTTLS for port 587 or plain for others
	return smtp.SendMail(addr, auth, e.from, []string{e.to}, []byte(msg))
}

func (e *EmailNotifier) buildMessage(n Notification) string {
	contentType := "text/plain"
	body := n.Message
	if n.HTML != "" {
		contentType = "text/html"
		body = n.HTML
	} else if len(n.Data) > 0 {
		dataJSON, _ := json.MarshalIndent(n.Data, "", "  ")
		body += "\n\n---\nData:\n" + string(dataJSON)
	}

	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: %s; charset=UTF-8\r\n\r\n%s",
		e.from, e.to, n.Title, contentType, body)
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailNotifier) sendWithTLS(addr string, auth smtp.Auth, msg string) error {
	tlsConfig := &tls.Config{
		ServerName: e.smtpHost,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return utils.Permanent(fmt.Errorf("SMTP auth failed: %w", err))
		}
	}

	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}

	if err := client.Rcpt(e.to); err != nil {
		return fmt.Errorf("SMTP RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}

	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
