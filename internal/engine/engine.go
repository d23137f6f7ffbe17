// Package engine owns every long-lived component of the portfolio engine and
// exposes the operations the CLI and the scheduler run: recording trades,
// refreshing prices, valuing the portfolio, dispatching alerts and reports.
package engine

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-engine/internal/alerts"
	"portfolio-engine/internal/config"
	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/ledger"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/metrics"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/notify"
	"portfolio-engine/internal/quotes"
	"portfolio-engine/internal/report"
	"portfolio-engine/internal/resilience"
	"portfolio-engine/internal/scheduler"
	"portfolio-engine/internal/scoring"
	"portfolio-engine/internal/store"
	"portfolio-engine/internal/valuation"
)

// Default task names.
const (
	TaskPriceRefresh = "price_refresh"
	TaskValuation    = "valuation"
	TaskDailyReport  = "daily_report"
	TaskWeeklyReport = "weekly_report"
)

// Notifier delivers alerts, reports and task failures.
type Notifier interface {
	SendAlert(ctx context.Context, alert models.Alert) error
	SendReport(ctx context.Context, title, markdown, html string) error
	SendError(ctx context.Context, err error, errContext string) error
}

type options struct {
	clock    scheduler.Clock
	sources  map[models.Market][]quotes.QuoteSource
	scores   scoring.Provider
	notifier Notifier
	metrics  *metrics.Metrics
	history  store.HistoryStore
	location *time.Location
}

// Option configures an Engine.
type Option func(*options)

// WithClock injects the clock shared by the ledger, fetcher and scheduler.
func WithClock(c scheduler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSources replaces the configured quote source chains.
func WithSources(s map[models.Market][]quotes.QuoteSource) Option {
	return func(o *options) { o.sources = s }
}

// WithScores sets the score provider used by the low-score rule.
func WithScores(p scoring.Provider) Option {
	return func(o *options) { o.scores = p }
}

// WithNotifier replaces the configured notification channels.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHistory replaces the SQLite history store.
func WithHistory(h store.HistoryStore) Option {
	return func(o *options) { o.history = h }
}

// WithLocation sets the zone daily and weekly report times are read in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// Engine wires the ledger, quote fetcher, valuation, alerting, scheduling,
// history and notification components together.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  scheduler.Clock
	loc    *time.Location

	journal   *store.JSONLStore
	ledger    *ledger.Ledger
	fetcher   *quotes.Fetcher
	evaluator *alerts.Evaluator
	scheduler *scheduler.Scheduler
	gate      *scheduler.AlertGate
	history   store.HistoryStore
	notifier  Notifier
	scores    scoring.Provider
	metrics   *metrics.Metrics
	health    *resilience.HealthMonitor

	closers []func() error
}

// New builds an Engine from configuration. The ledger is required; the
// history store, Redis tier and score provider degrade to disabled with a
// warning when they cannot be set up.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: scheduler.RealClock{}, location: time.Local}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "engine"),
		clock:   o.clock,
		loc:     o.location,
		metrics: o.metrics,
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	journal, err := store.NewJSONLStore(cfg.Ledger.DataDir, logger)
	if err != nil {
		return nil, err
	}
	e.journal = journal
	e.closers = append(e.closers, journal.Close)

	e.ledger, err = ledger.New(journal, ledger.WithClock(e.clock.Now), ledger.WithLogger(logger))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if e.fetcher, err = e.newFetcher(o.sources); err != nil {
		e.Close()
		return nil, err
	}

	if e.evaluator, err = alerts.NewEvaluator(AlertsConfig(cfg)); err != nil {
		e.Close()
		return nil, errors.Wrap(err, "alert rules")
	}

	e.history = o.history
	if e.history == nil && cfg.Store.HistoryDB != "" {
		e.history = e.openHistory(cfg.Store.HistoryDB)
	}
	var cooldowns scheduler.CooldownStore
	if e.history != nil {
		cooldowns = e.history
		e.closers = append(e.closers, e.history.Close)
	}
	e.gate = scheduler.NewAlertGate(cfg.Scheduler.AlertCooldown, cooldowns, e.clock.Now, e.logger)

	e.scheduler, err = scheduler.New(
		scheduler.Config{TickInterval: cfg.Scheduler.TickInterval},
		scheduler.WithClock(e.clock),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(e.metrics),
	)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.notifier = o.notifier
	if e.notifier == nil {
		e.notifier = notify.NewMultiNotifier(&cfg.Notifications, logger)
	}

	e.scores = o.scores
	if e.scores == nil && cfg.Scoring.Enabled {
		scorer, err := scoring.NewOpenAIScorer(cfg.Credentials.OpenAI.APIKey, scoring.Config{
			Model:   cfg.Scoring.Model,
			Timeout: cfg.Scoring.Timeout,
		}, logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Scoring disabled")
		} else {
			e.scores = scorer
		}
	}

	e.health = resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig())
	e.registerHealthChecks()

	return e, nil
}

func (e *Engine) newFetcher(sources map[models.Market][]quotes.QuoteSource) (*quotes.Fetcher, error) {
	qc := e.cfg.Quotes
	if sources == nil {
		jsonSources, err := JSONSources(qc.JSONSources)
		if err != nil {
			return nil, err
		}
		sources, err = quotes.BuildSources(qc.Sources, quotes.SourceSettings{
			AlphaVantageKey: e.cfg.Credentials.AlphaVantage.APIKey,
			RateLimits:      qc.RateLimits,
			JSONSources:     jsonSources,
			Now:             e.clock.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrConfigInvalid, err)
		}
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if qc.CircuitBreaker.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = qc.CircuitBreaker.FailureThreshold
	}
	if qc.CircuitBreaker.Timeout > 0 {
		breakerCfg.Timeout = qc.CircuitBreaker.Timeout
	}
	breakerCfg.Now = e.clock.Now
	breakerCfg.IsFailure = quotes.CountsAgainstSource
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		e.metrics.SetBreakerState(name, breakerGauge(to))
		e.logger.Warn().Str("source", name).Str("from", string(from)).Str("to", string(to)).Msg("Quote source breaker changed state")
	}

	tiers := []quotes.Cache{quotes.NewMemoryCache(e.clock.Now)}
	if qc.RedisAddr != "" {
		redisCache, err := quotes.NewRedisCache(quotes.RedisConfig{
			Addr:     qc.RedisAddr,
			Password: qc.RedisPassword,
			DB:       qc.RedisDB,
		}, e.logger)
		if err != nil {
			e.logger.Warn().Err(err).Str("addr", qc.RedisAddr).Msg("Redis quote cache unavailable, using memory only")
		} else {
			tiers = append(tiers, redisCache)
			e.closers = append(e.closers, redisCache.Close)
		}
	}

	return quotes.NewFetcher(
		quotes.Config{
			CacheTTL:      qc.CacheTTL,
			SourceTimeout: qc.SourceTimeout,
			Workers:       qc.Workers,
			Sources:       sources,
		},
		quotes.WithCache(quotes.NewTieredCache(e.metrics, qc.CacheTTL, tiers...)),
		quotes.WithBreakers(resilience.NewCircuitBreakerRegistry(breakerCfg)),
		quotes.WithMetrics(e.metrics),
		quotes.WithLogger(e.logger),
		quotes.WithClock(e.clock.Now),
	)
}

func breakerGauge(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitOpen:
		return 1
	case resilience.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

func (e *Engine) openHistory(path string) store.HistoryStore {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("History store disabled")
		return nil
	}
	h, err := store.NewSQLiteStore(path)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("History store disabled")
		return nil
	}
	e.logger.Debug().Str("path", path).Msg("History store opened")
	return h
}

// AlertsConfig derives the alert rule thresholds from configuration.
func AlertsConfig(cfg *config.Config) alerts.Config {
	ac := alerts.DefaultConfig()
	a := cfg.Alerts
	ac.SwingLow, ac.SwingMedium, ac.SwingHigh = a.SwingLow, a.SwingMedium, a.SwingHigh
	ac.SellScore, ac.StrongSellScore = a.SellScore, a.StrongSellScore
	if len(a.ScoreWeights) > 0 {
		ac.Weights = alerts.Weights{
			Fundamental: a.ScoreWeights["fundamental"],
			Technical:   a.ScoreWeights["technical"],
			Sentiment:   a.ScoreWeights["sentiment"],
		}
	}
	if cfg.Valuation.StaleAfter > 0 {
		ac.StaleAfter = cfg.Valuation.StaleAfter
	}
	return ac
}

// JSONSources converts configured JSONPath vendors.
func JSONSources(in []config.JSONSourceConfig) ([]quotes.JSONPathConfig, error) {
	out := make([]quotes.JSONPathConfig, 0, len(in))
	for _, js := range in {
		markets := make([]models.Market, 0, len(js.Markets))
		for _, raw := range js.Markets {
			m, err := models.ParseMarket(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: json source %s: %v", errors.ErrConfigInvalid, js.Name, err)
			}
			markets = append(markets, m)
		}
		out = append(out, quotes.JSONPathConfig{
			Name:         strings.ToLower(js.Name),
			URL:          js.URL,
			PricePath:    js.PricePath,
			CurrencyPath: js.CurrencyPath,
			Markets:      markets,
		})
	}
	return out, nil
}

// Ledger returns the position ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Fetcher returns the quote fetcher.
func (e *Engine) Fetcher() *quotes.Fetcher { return e.fetcher }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// History returns the history store, nil when disabled.
func (e *Engine) History() store.HistoryStore { return e.history }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// RecordBuy records a purchase.
func (e *Engine) RecordBuy(symbol string, market models.Market, price decimal.Decimal, quantity int64, fees decimal.Decimal, notes string) (int64, error) {
	id, err := e.ledger.RecordBuy(symbol, market, price, quantity, fees, notes)
	if err == nil {
		e.metrics.ObserveTransaction(string(models.SideBuy))
	}
	return id, err
}

// RecordSell records a sale.
func (e *Engine) RecordSell(symbol string, market models.Market, price decimal.Decimal, quantity int64, fees decimal.Decimal, notes string) (int64, error) {
	id, err := e.ledger.RecordSell(symbol, market, price, quantity, fees, notes)
	if err == nil {
		e.metrics.ObserveTransaction(string(models.SideSell))
	}
	return id, err
}

// Positions returns the open positions.
func (e *Engine) Positions() []models.Position { return e.ledger.GetPositions() }

// Transactions returns the transactions matching filter, oldest first.
func (e *Engine) Transactions(filter ledger.TransactionFilter) iter.Seq[models.Transaction] {
	return e.ledger.GetTransactions(filter)
}

// RefreshPrices fetches quotes for every open position and records them as
// last-known prices. Positions whose sources all failed keep their previous
// price.
func (e *Engine) RefreshPrices(ctx context.Context) map[models.SymbolMarket]quotes.Result {
	positions := e.ledger.GetPositions()
	keys := make([]models.SymbolMarket, len(positions))
	for i, p := range positions {
		keys[i] = p.Key()
	}
	if len(keys) == 0 {
		return map[models.SymbolMarket]quotes.Result{}
	}

	results := e.fetcher.GetPrices(ctx, keys)
	updated := e.ledger.UpdatePrices(quotes.Quotes(results))
	failed := len(results) - updated
	ev := e.logger.Info()
	if failed > 0 {
		ev = e.logger.Warn()
	}
	ev.Int("positions", len(keys)).Int("priced", updated).Int("failed", failed).Msg("Prices refreshed")
	return results
}

// Valuate refreshes prices and values the portfolio. A snapshot is always
// returned; positions without a fresh quote are flagged stale. The error is
// only set when ctx ended during the run.
func (e *Engine) Valuate(ctx context.Context) (valuation.Snapshot, []models.Alert, error) {
	results := e.RefreshPrices(ctx)
	snap := valuation.EvaluateAt(e.clock.Now(), e.ledger.GetPositions(), quotes.Quotes(results))
	fired := e.evaluator.Evaluate(snap, e.loadScores(ctx, snap))
	e.metrics.SetPortfolio(snap.Summary.TotalValue, snap.Summary.TotalCost, snap.Summary.PnL, snap.Risk.Concentration, snap.StaleCount)
	return snap, fired, ctx.Err()
}

func (e *Engine) loadScores(ctx context.Context, snap valuation.Snapshot) map[models.SymbolMarket]models.Score {
	if e.scores == nil || len(snap.Positions) == 0 {
		return nil
	}
	keys := make([]models.SymbolMarket, len(snap.Positions))
	for i, p := range snap.Positions {
		keys[i] = p.Key()
	}
	scores, err := e.scores.Scores(ctx, keys)
	if err != nil {
		e.logger.Warn().Err(err).Int("scored", len(scores)).Int("positions", len(keys)).Msg("Some positions could not be scored")
	}
	return scores
}

// Summary values the portfolio without persisting or dispatching anything.
func (e *Engine) Summary(ctx context.Context) (valuation.Snapshot, []models.Alert, error) {
	return e.Valuate(ctx)
}

// Run is the outcome of one valuation cycle.
type Run struct {
	ID         string             `json:"run_id"`
	Snapshot   valuation.Snapshot `json:"snapshot"`
	Alerts     []models.Alert     `json:"alerts"`
	Delivered  []models.Alert     `json:"delivered"`
	Suppressed []models.Alert     `json:"suppressed"`
}

// RunValuationNow values the portfolio, stores the snapshot, and dispatches
// the fired alerts through the cooldown gate. Notification failures are
// logged only; persistence failures are returned after dispatch.
func (e *Engine) RunValuationNow(ctx context.Context) (*Run, error) {
	snap, fired, err := e.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	run := &Run{ID: uuid.NewString(), Snapshot: snap, Alerts: fired}
	for i := range run.Alerts {
		run.Alerts[i].ID = uuid.NewString()
	}

	var errs []error
	if e.history != nil {
		if err := e.history.SaveSnapshot(ctx, run.ID, snap); err != nil {
			errs = append(errs, err)
		}
	}

	run.Delivered, run.Suppressed = e.gate.Filter(run.Alerts)
	for _, a := range run.Delivered {
		logging.LogAlert(e.logger, string(a.Rule), string(a.Severity), a.Symbol, a.Value)
		outcome := "delivered"
		if err := e.notifier.SendAlert(ctx, a); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Alert delivery failed")
			outcome = "failed"
		}
		e.metrics.ObserveAlert(string(a.Rule), string(a.Severity), outcome)
		errs = append(errs, e.saveAlert(ctx, a, true))
	}
	for _, a := range run.Suppressed {
		e.metrics.ObserveAlert(string(a.Rule), string(a.Severity), "suppressed")
		errs = append(errs, e.saveAlert(ctx, a, false))
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Float64("total_value", snap.Summary.TotalValue).
		Int("positions", snap.Summary.Positions).
		Int("stale", snap.StaleCount).
		Int("alerts", len(run.Alerts)).
		Int("delivered", len(run.Delivered)).
		Msg("Valuation run complete")

	return run, errors.Join(errs...)
}

func (e *Engine) saveAlert(ctx context.Context, a models.Alert, delivered bool) error {
	if e.history == nil {
		return nil
	}
	return e.history.SaveAlert(ctx, a, delivered)
}

// reportLookback is how far back the comparison snapshot of each report kind
// is taken from.
var reportLookback = map[report.Kind]time.Duration{
	report.KindDaily:  24 * time.Hour,
	report.KindWeekly: 7 * 24 * time.Hour,
}

// Report values the portfolio and assembles report data. Daily and weekly
// reports compare against the latest stored snapshot at least a day or a
// week old.
func (e *Engine) Report(ctx context.Context, kind report.Kind) (report.Data, error) {
	snap, fired, err := e.Valuate(ctx)
	if err != nil {
		return report.Data{}, err
	}
	data := report.Data{Kind: kind, Snapshot: snap, Alerts: fired, Now: snap.AsOf}

	if back, ok := reportLookback[kind]; ok && e.history != nil {
		prev, err := e.history.ListSnapshots(ctx, store.SnapshotFilter{To: snap.AsOf.Add(-back), Limit: 1})
		if err != nil {
			e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Comparison snapshot unavailable")
		} else if len(prev) > 0 {
			data.Previous = &prev[0].Snapshot
		}
	}
	return data, nil
}

// SendReport renders a report and hands it to the notifier.
func (e *Engine) SendReport(ctx context.Context, kind report.Kind) error {
	data, err := e.Report(ctx, kind)
	if err != nil {
		return err
	}
	md, err := report.Markdown(data)
	if err != nil {
		return err
	}
	html, err := report.HTML(md)
	if err != nil {
		return err
	}
	return e.notifier.SendReport(ctx, report.Title(kind, data.Snapshot.AsOf), md, html)
}

// RegisterDefaultTasks registers price refresh, valuation, and the daily and
// weekly reports on the configured schedules.
func (e *Engine) RegisterDefaultTasks() error {
	sc := e.cfg.Scheduler

	dh, dm, err := scheduler.ParseClock(sc.DailyReportAt)
	if err != nil {
		return err
	}
	wh, wm, err := scheduler.ParseClock(sc.WeeklyReportAt)
	if err != nil {
		return err
	}
	wd, err := config.ParseWeekday(sc.WeeklyReportDay)
	if err != nil {
		return err
	}

	tasks := []struct {
		name     string
		schedule scheduler.Schedule
		fn       scheduler.TaskFunc
	}{
		{TaskPriceRefresh, scheduler.Every(sc.PriceRefreshInterval), func(ctx context.Context) error {
			if n := e.fetcher.PurgeCache(); n > 0 {
				e.logger.Debug().Int("purged", n).Msg("Dropped expired quotes")
			}
			e.RefreshPrices(ctx)
			return ctx.Err()
		}},
		{TaskValuation, scheduler.Every(sc.ValuationInterval), func(ctx context.Context) error {
			_, err := e.RunValuationNow(ctx)
			return err
		}},
		{TaskDailyReport, scheduler.DailyAt(dh, dm, e.loc), func(ctx context.Context) error {
			return e.SendReport(ctx, report.KindDaily)
		}},
		{TaskWeeklyReport, scheduler.WeeklyAt(wd, wh, wm, e.loc), func(ctx context.Context) error {
			return e.SendReport(ctx, report.KindWeekly)
		}},
	}
	for _, t := range tasks {
		if err := e.scheduler.Register(t.name, t.schedule, e.reportFailures(t.name, t.fn)); err != nil {
			return err
		}
	}
	return nil
}

// reportFailures forwards a task's error to the notifier.
func (e *Engine) reportFailures(name string, fn scheduler.TaskFunc) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			if nerr := e.notifier.SendError(ctx, err, name); nerr != nil {
				logger := logging.WithTask(e.logger, name)
				logger.Warn().Err(nerr).Msg("Failed to report task error")
			}
		}
		return err
	}
}

// Start starts the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop stops the scheduler, waiting for in-flight tasks until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	if e.scheduler.State() != scheduler.StateRunning {
		return nil
	}
	return e.scheduler.Stop(ctx)
}

// Close releases every store and connection the engine opened.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Health runs the component health checks.
func (e *Engine) Health(ctx context.Context) resilience.SystemHealth {
	return e.health.Check(ctx)
}

func (e *Engine) registerHealthChecks() {
	e.health.RegisterComponent("ledger", func(ctx context.Context) resilience.ComponentHealth {
		return resilience.ComponentHealth{
			Status: resilience.HealthStatusHealthy,
			Details: map[string]interface{}{
				"positions":           len(e.ledger.GetPositions()),
				"last_transaction_id": e.ledger.LastTransactionID(),
			},
		}
	})

	e.health.RegisterComponent("quotes", func(ctx context.Context) resilience.ComponentHealth {
		h := resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Details: map[string]interface{}{}}
		var open []string
		for _, s := range e.fetcher.Breakers().AllStats() {
			h.Details[s.Name] = string(s.State)
			if s.State == resilience.CircuitOpen {
				open = append(open, s.Name)
			}
		}
		if len(open) > 0 {
			h.Status = resilience.HealthStatusDegraded
			h.Message = "open breakers: " + strings.Join(open, ", ")
		}
		return h
	})

	e.health.RegisterComponent("scheduler", func(ctx context.Context) resilience.ComponentHealth {
		h := resilience.ComponentHealth{
			Status:  resilience.HealthStatusHealthy,
			Message: string(e.scheduler.State()),
			Details: map[string]interface{}{},
		}
		var failing []string
		for _, st := range e.scheduler.Status() {
			h.Details[st.Name] = st
			if st.LastError != "" {
				failing = append(failing, st.Name)
			}
		}
		if len(failing) > 0 {
			h.Status = resilience.HealthStatusDegraded
			h.Message = "last run failed: " + strings.Join(failing, ", ")
		}
		return h
	})

	e.health.RegisterComponent("history", func(ctx context.Context) resilience.ComponentHealth {
		if e.history == nil {
			return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: "disabled"}
		}
		latest, err := e.history.LatestSnapshot(ctx)
		if err != nil {
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: err.Error()}
		}
		h := resilience.ComponentHealth{Status: resilience.HealthStatusHealthy}
		if latest != nil {
			h.Details = map[string]interface{}{"last_run": latest.RunID, "last_run_at": latest.AsOf}
		}
		return h
	})
}
