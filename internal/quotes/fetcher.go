package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/metrics"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/resilience"
)

// Config holds fetcher tunables.
type Config struct {
	CacheTTL      time.Duration
	SourceTimeout time.Duration
	Workers       int
	// Sources is the priority-ordered adapter list per market.
	Sources map[models.Market][]QuoteSource
}

// DefaultConfig returns a config with no sources.
func DefaultConfig() Config {
	return Config{
		CacheTTL:      5 * time.Minute,
		SourceTimeout: 10 * time.Second,
		Workers:       8,
		Sources:       make(map[models.Market][]QuoteSource),
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.CacheTTL < 0 {
		return errors.NewValidationError("cache_ttl", c.CacheTTL, "must not be negative")
	}
	if c.SourceTimeout <= 0 {
		return errors.NewValidationError("source_timeout", c.SourceTimeout, "must be positive")
	}
	if c.Workers <= 0 {
		return errors.NewValidationError("workers", c.Workers, "must be positive")
	}
	for market, sources := range c.Sources {
		if !market.Valid() {
			return errors.NewValidationError("sources", market, "unknown market")
		}
		for i, s := range sources {
			if s == nil {
				return errors.NewValidationError("sources", fmt.Sprintf("%s[%d]", market, i), "nil source")
			}
		}
	}
	return nil
}

// Result is the outcome of resolving one key. Failures lists every source
// that failed before the winner, or all of them when Err is set.
type Result struct {
	Quote    models.Quote
	Err      error
	Failures []*errors.SourceError
	Cached   bool
}

// OK reports whether a quote was resolved.
func (r Result) OK() bool { return r.Err == nil }

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithBreakers sets the circuit breaker registry, one breaker per source name.
func WithBreakers(r *resilience.CircuitBreakerRegistry) Option {
	return func(f *Fetcher) { f.breakers = r }
}

// WithMonitor sets the service monitor that records source outcomes.
func WithMonitor(m *resilience.ServiceMonitor) Option {
	return func(f *Fetcher) { f.monitor = m }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = logging.WithComponent(logger, "quotes") }
}

// WithClock overrides the time source used to stamp quotes.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// Fetcher resolves quotes through the cache and the per-market fallback chain.
type Fetcher struct {
	cfg      Config
	cache    Cache
	breakers *resilience.CircuitBreakerRegistry
	monitor  *resilience.ServiceMonitor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFetcher validates cfg and creates a Fetcher.
func NewFetcher(cfg Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "quote fetcher config")
	}
	f := &Fetcher{
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cache == nil {
		f.cache = NewMemoryCache(f.now)
	}
	if f.breakers == nil {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.IsFailure = CountsAgainstSource
		f.breakers = resilience.NewCircuitBreakerRegistry(bc)
	}
	if f.monitor == nil {
		f.monitor = resilience.NewServiceMonitor()
	}
	return f, nil
}

// CountsAgainstSource reports whether err should trip a source's breaker.
// Asking a source for a market it does not serve is a configuration issue,
// not a vendor failure.
func CountsAgainstSource(err error) bool {
	return !errors.Is(err, errors.ErrUnsupportedMarket)
}

// Monitor returns the service monitor tracking source outcomes.
func (f *Fetcher) Monitor() *resilience.ServiceMonitor { return f.monitor }

// Breakers returns the per-source circuit breakers.
func (f *Fetcher) Breakers() *resilience.CircuitBreakerRegistry { return f.breakers }

// PurgeCache drops expired quotes from in-process cache tiers and reports how
// many were removed.
func (f *Fetcher) PurgeCache() int {
	if p, ok := f.cache.(purger); ok {
		return p.Purge()
	}
	return 0
}

// Sources returns the names of the sources configured for market, in order.
func (f *Fetcher) Sources(market models.Market) []string {
	names := make([]string, 0, len(f.cfg.Sources[market]))
	for _, s := range f.cfg.Sources[market] {
		names = append(names, s.Name())
	}
	return names
}

// GetPrice returns a fresh quote. When every source fails the error is an
// *errors.AllSourcesFailedError carrying the per-source failures.
func (f *Fetcher) GetPrice(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	r := f.Resolve(ctx, models.NewSymbolMarket(symbol, market))
	return r.Quote, r.Err
}

// Resolve looks key up in the cache and otherwise walks the market's source
// chain until a source returns a usable quote.
func (f *Fetcher) Resolve(ctx context.Context, key models.SymbolMarket) Result {
	key = models.NewSymbolMarket(key.Symbol, key.Market)
	if key.Symbol == "" {
		return Result{Err: errors.NewValidationError("symbol", key.Symbol, "must not be empty")}
	}
	if !key.Market.Valid() {
		return Result{Err: errors.NewValidationError("market", key.Market, "unknown market")}
	}

	if q, ok := f.cache.Get(ctx, key); ok {
		return Result{Quote: q, Cached: true}
	}

	logger := logging.WithSymbol(f.logger, key.Symbol, string(key.Market))
	sources := f.cfg.Sources[key.Market]
	if len(sources) == 0 {
		err := errors.NewSourceError("", key.Symbol, string(key.Market), errors.ErrNoSources, nil)
		return Result{Err: errors.NewAllSourcesFailedError(key.Symbol, string(key.Market), []*errors.SourceError{err})}
	}

	var failures []*errors.SourceError
	for _, src := range sources {
		if ctx.Err() != nil {
			failures = append(failures, errors.NewSourceError(src.Name(), key.Symbol, string(key.Market), errors.ErrSourceTimeout, ctx.Err()))
			continue
		}

		q, serr := f.call(ctx, src, key)
		if serr != nil {
			failures = append(failures, serr)
			logger.Debug().Err(serr).Str("source", src.Name()).Msg("Quote source failed, trying next")
			continue
		}

		f.cache.Set(ctx, q, f.cfg.CacheTTL)
		return Result{Quote: q, Failures: failures}
	}

	err := errors.NewAllSourcesFailedError(key.Symbol, string(key.Market), failures)
	logger.Warn().Err(err).Msg("No quote source could price symbol")
	return Result{Err: err, Failures: failures}
}

// call runs one source under its breaker with an independent timeout.
func (f *Fetcher) call(ctx context.Context, src QuoteSource, key models.SymbolMarket) (models.Quote, *errors.SourceError) {
	name := src.Name()
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.SourceTimeout)
	defer cancel()

	start := time.Now()
	q, err := resilience.ExecuteWithResult(f.breakers.Get(name), callCtx, func() (models.Quote, error) {
		q, err := src.Quote(callCtx, key.Symbol, key.Market)
		if err != nil {
			return q, err
		}
		if !validQuote(q) {
			return q, malformed(name, key.Symbol, key.Market, fmt.Errorf("price %v", q.Price))
		}
		return q, nil
	})
	latency := time.Since(start)

	if err != nil {
		serr := classify(name, key, err)
		f.metrics.ObserveSource(name, outcome(serr), latency)
		if !errors.Is(serr, errors.ErrUnsupportedMarket) {
			f.monitor.UpdateStatus(name, false, latency, serr)
		}
		logging.LogSourceCall(f.logger, name, key.String(), latency, serr)
		return models.Quote{}, serr
	}

	q.Symbol = key.Symbol
	q.Market = key.Market
	if q.Source == "" {
		q.Source = name
	}
	if q.Currency == "" {
		q.Currency = key.Market.Currency()
	}
	if q.AsOf.IsZero() {
		q.AsOf = f.now()
	}
	f.metrics.ObserveSource(name, "ok", latency)
	f.monitor.UpdateStatus(name, true, latency, nil)
	logging.LogSourceCall(f.logger, name, key.String(), latency, nil)
	return q, nil
}

// classify maps any error from a source call onto a *errors.SourceError
// whose Kind is one of the source sentinels.
func classify(source string, key models.SymbolMarket, err error) *errors.SourceError {
	var serr *errors.SourceError
	if errors.As(err, &serr) {
		if serr.Source == "" {
			serr.Source = source
		}
		return serr
	}

	kind := errors.ErrSourceUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = errors.ErrSourceTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		kind = errors.ErrSourceUnavailable
	case errors.Is(err, errors.ErrSourceTimeout):
		kind = errors.ErrSourceTimeout
	case errors.Is(err, errors.ErrSourceMalformed), errors.Is(err, resilience.ErrCallPanicked):
		kind = errors.ErrSourceMalformed
	case errors.Is(err, errors.ErrSourceRateLimited):
		kind = errors.ErrSourceRateLimited
	case errors.Is(err, errors.ErrUnsupportedMarket):
		kind = errors.ErrUnsupportedMarket
	}
	return errors.NewSourceError(source, key.Symbol, string(key.Market), kind, err)
}

func outcome(err *errors.SourceError) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, errors.ErrSourceTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrSourceMalformed):
		return "malformed"
	case errors.Is(err, errors.ErrSourceRateLimited):
		return "rate_limited"
	case errors.Is(err, errors.ErrUnsupportedMarket):
		return "unsupported"
	default:
		return "unavailable"
	}
}

// GetPrices resolves every key concurrently on a bounded pool. Duplicate keys
// are resolved once; one slow symbol never blocks the others beyond the
// per-source timeout.
func (f *Fetcher) GetPrices(ctx context.Context, keys []models.SymbolMarket) map[models.SymbolMarket]Result {
	results := make(map[models.SymbolMarket]Result, len(keys))
	var mu sync.Mutex

	seen := make(map[models.SymbolMarket]bool, len(keys))
	p := pool.New().WithMaxGoroutines(f.cfg.Workers)
	for _, k := range keys {
		k = models.NewSymbolMarket(k.Symbol, k.Market)
		if seen[k] {
			continue
		}
		seen[k] = true
		p.Go(func() {
			r := f.Resolve(ctx, k)
			mu.Lock()
			results[k] = r
			mu.Unlock()
		})
	}
	p.Wait()
	return results
}

// Quotes extracts the successful quotes from a batch result.
func Quotes(results map[models.SymbolMarket]Result) map[models.SymbolMarket]models.Quote {
	out := make(map[models.SymbolMarket]models.Quote, len(results))
	for k, r := range results {
		if r.OK() {
			out[k] = r.Quote
		}
	}
	return out
}
