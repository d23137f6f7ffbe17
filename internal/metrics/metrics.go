// Package metrics exposes Prometheus instrumentation for quote sources, the
// quote cache, scheduler tasks and portfolio totals.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SourceRequests *prometheus.CounterVec   // labels: source, outcome
	SourceLatency  *prometheus.HistogramVec // labels: source
	CacheLookups   *prometheus.CounterVec   // labels: tier, result
	BreakerState   *prometheus.GaugeVec     // labels: source; 0=closed, 1=open, 2=half-open
	TaskRuns       *prometheus.CounterVec   // labels: task, outcome
	TaskDuration   *prometheus.HistogramVec // labels: task
	AlertsTotal    *prometheus.CounterVec   // labels: rule, severity, outcome

	PortfolioValue prometheus.Gauge
	PortfolioCost  prometheus.Gauge
	PortfolioPnL   prometheus.Gauge
	Concentration  prometheus.Gauge
	StalePositions prometheus.Gauge
	Transactions   *prometheus.CounterVec // labels: side
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_quote_source_requests_total",
			Help: "Quote source calls by outcome (ok, timeout, malformed, rate_limited, unavailable, circuit_open)",
		}, []string{"source", "outcome"}),
		SourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portfolio_quote_source_duration_seconds",
			Help:    "Quote source call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_quote_cache_lookups_total",
			Help: "Quote cache lookups by tier and result (hit, miss)",
		}, []string{"tier", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portfolio_quote_source_breaker_state",
			Help: "Circuit breaker state per source (0=closed, 1=open, 2=half-open)",
		}, []string{"source"}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_scheduler_task_runs_total",
			Help: "Scheduler task runs by outcome (ok, error, panic)",
		}, []string{"task", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portfolio_scheduler_task_duration_seconds",
			Help:    "Scheduler task run duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_alerts_total",
			Help: "Alerts by rule, severity and outcome (sent, suppressed)",
		}, []string{"rule", "severity", "outcome"}),

		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_total_value",
			Help: "Total market value from the latest valuation",
		}),
		PortfolioCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_total_cost",
			Help: "Total cost basis from the latest valuation",
		}),
		PortfolioPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_unrealized_pnl",
			Help: "Unrealized profit and loss from the latest valuation",
		}),
		Concentration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_concentration_pct",
			Help: "Largest position as a percentage of total value",
		}),
		StalePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_stale_positions",
			Help: "Positions valued without a fresh quote",
		}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_transactions_total",
			Help: "Ledger transactions recorded by side",
		}, []string{"side"}),
	}

	m.registry.MustRegister(
		m.SourceRequests,
		m.SourceLatency,
		m.CacheLookups,
		m.BreakerState,
		m.TaskRuns,
		m.TaskDuration,
		m.AlertsTotal,
		m.PortfolioValue,
		m.PortfolioCost,
		m.PortfolioPnL,
		m.Concentration,
		m.StalePositions,
		m.Transactions,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSource records one quote source call.
func (m *Metrics) ObserveSource(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceRequests.WithLabelValues(source, outcome).Inc()
	m.SourceLatency.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// SetBreakerState records a circuit breaker state.
func (m *Metrics) SetBreakerState(source string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(source).Set(state)
}

// ObserveTask records one scheduler task run.
func (m *Metrics) ObserveTask(task, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, outcome).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// ObserveAlert records an alert outcome.
func (m *Metrics) ObserveAlert(rule, severity, outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(rule, severity, outcome).Inc()
}

// ObserveTransaction records a ledger transaction.
func (m *Metrics) ObserveTransaction(side string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(side).Inc()
}

// SetPortfolio records the totals of the latest valuation.
func (m *Metrics) SetPortfolio(value, cost, pnl, concentration float64, stale int) {
	if m == nil {
		return
	}
	m.PortfolioValue.Set(value)
	m.PortfolioCost.Set(cost)
	m.PortfolioPnL.Set(pnl)
	m.Concentration.Set(concentration)
	m.StalePositions.Set(float64(stale))
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics server. health, when non-nil, is encoded as the
// /healthz response body.
func NewServer(addr string, m *Metrics, health func() any, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any = map[string]string{"status": "ok"}
		if health != nil {
			body = health()
		}
		json.NewEncoder(w).Encode(body)
	})

	return &Server{
		addr:   addr,
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
