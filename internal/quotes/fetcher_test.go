package quotes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/resilience"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, symbol string, market models.Market) (models.Quote, error)
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Quote(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
	s.calls.Add(1)
	return s.fn(ctx, symbol, market)
}

func priceSource(name string, price float64) *fakeSource {
	return &fakeSource{name: name, fn: func(_ context.Context, symbol string, market models.Market) (models.Quote, error) {
		return models.Quote{Symbol: symbol, Market: market, Price: price, Source: name}, nil
	}}
}

func hangingSource(name string) *fakeSource {
	return &fakeSource{name: name, fn: func(ctx context.Context, _ string, _ models.Market) (models.Quote, error) {
		<-ctx.Done()
		return models.Quote{}, ctx.Err()
	}}
}

func failingSource(name string, kind error) *fakeSource {
	return &fakeSource{name: name, fn: func(_ context.Context, symbol string, market models.Market) (models.Quote, error) {
		return models.Quote{}, errors.NewSourceError(name, symbol, string(market), kind, nil)
	}}
}

func newTestFetcher(t *testing.T, sources map[models.Market][]QuoteSource, opts ...Option) (*Fetcher, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.SourceTimeout = 50 * time.Millisecond
	cfg.Sources = sources
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	f, err := NewFetcher(cfg, opts...)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	return f, clock
}

func TestGetPriceFallsBackAfterTimeout(t *testing.T) {
	slow := hangingSource("slow")
	second := priceSource("second", 42.5)
	f, _ := newTestFetcher(t, map[models.Market][]QuoteSource{
		models.MarketUSEquity: {slow, second},
	})

	r := f.Resolve(context.Background(), models.NewSymbolMarket("aapl", models.MarketUSEquity))
	if r.Err != nil {
		t.Fatalf("Resolve() error = %v", r.Err)
	}
	if r.Quote.Price != 42.5 || r.Quote.Source != "second" {
		t.Errorf("quote = %+v, want 42.5 from second", r.Quote)
	}
	if r.Quote.Symbol != "AAPL" || r.Quote.Currency != "USD" || r.Quote.AsOf.IsZero() {
		t.Errorf("quote not normalized: %+v", r.Quote)
	}
	if len(r.Failures) != 1 || r.Failures[0].Source != "slow" || !errors.Is(r.Failures[0], errors.ErrSourceTimeout) {
		t.Fatalf("failures = %v, want one timeout from slow", r.Failures)
	}

	status, ok := f.Monitor().GetStatus("slow")
	if !ok || status.Available || status.Failures != 1 {
		t.Errorf("slow status = %+v", status)
	}
}

func TestGetPriceAllSourcesFail(t *testing.T) {
	f, _ := newTestFetcher(t, map[models.Market][]QuoteSource{
		models.MarketDomesticEquity: {
			failingSource("tencent", errors.ErrSourceMalformed),
			failingSource("sina", errors.ErrSourceRateLimited),
			hangingSource("yahoo"),
		},
	})

	_, err := f.GetPrice(context.Background(), "600519", models.MarketDomesticEquity)
	if !errors.Is(err, errors.ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllSourcesFailed", err)
	}
	var all *errors.AllSourcesFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err is %T", err)
	}
	want := []error{errors.ErrSourceMalformed, errors.ErrSourceRateLimited, errors.ErrSourceTimeout}
	if len(all.Failures) != len(want) {
		t.Fatalf("failures = %v", all.Failures)
	}
	for i, kind := range want {
		if !errors.Is(all.Failures[i], kind) {
			t.Errorf("failure %d = %v, want %v", i, all.Failures[i], kind)
		}
	}
}

func TestGetPriceServesFromCache(t *testing.T) {
	src := priceSource("yahoo", 10)
	f, clock := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketUSEquity: {src}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.GetPrice(ctx, "MSFT", models.MarketUSEquity); err != nil {
			t.Fatal(err)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("source called %d times within TTL, want 1", got)
	}

	r := f.Resolve(ctx, models.NewSymbolMarket("msft", models.MarketUSEquity))
	if !r.Cached {
		t.Error("lowercase symbol should hit the same cache entry")
	}

	clock.Advance(5 * time.Minute)
	if _, err := f.GetPrice(ctx, "MSFT", models.MarketUSEquity); err != nil {
		t.Fatal(err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("source called %d times after expiry, want 2", got)
	}
}

func TestPurgeCacheDropsExpiredQuotes(t *testing.T) {
	f, clock := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketUSEquity: {priceSource("yahoo", 10)}})

	if _, err := f.GetPrice(context.Background(), "AAPL", models.MarketUSEquity); err != nil {
		t.Fatal(err)
	}
	if n := f.PurgeCache(); n != 0 {
		t.Errorf("fresh quote purged: %d", n)
	}
	clock.Advance(f.cfg.CacheTTL)
	if n := f.PurgeCache(); n != 1 {
		t.Errorf("PurgeCache() = %d, want 1", n)
	}
}

func TestInvalidPriceFallsThrough(t *testing.T) {
	zero := priceSource("zero", 0)
	good := priceSource("good", 1.25)
	f, _ := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketFund: {zero, good}})

	r := f.Resolve(context.Background(), models.NewSymbolMarket("000001", models.MarketFund))
	if r.Err != nil || r.Quote.Price != 1.25 {
		t.Fatalf("result = %+v", r)
	}
	if len(r.Failures) != 1 || !errors.Is(r.Failures[0], errors.ErrSourceMalformed) {
		t.Errorf("failures = %v", r.Failures)
	}
}

func TestPanickingSourceFallsThrough(t *testing.T) {
	broken := &fakeSource{name: "broken", fn: func(context.Context, string, models.Market) (models.Quote, error) {
		var m map[string]int
		m["x"] = 1
		return models.Quote{}, nil
	}}
	good := priceSource("good", 42.5)
	f, _ := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketUSEquity: {broken, good}})

	r := f.Resolve(context.Background(), models.NewSymbolMarket("AAPL", models.MarketUSEquity))
	if r.Err != nil || r.Quote.Price != 42.5 || r.Quote.Source != "good" {
		t.Fatalf("result = %+v", r)
	}
	if len(r.Failures) != 1 || !errors.Is(r.Failures[0], errors.ErrSourceMalformed) {
		t.Errorf("failures = %v", r.Failures)
	}
}

func TestGetPriceWithoutSources(t *testing.T) {
	f, _ := newTestFetcher(t, nil)
	_, err := f.GetPrice(context.Background(), "0700", models.MarketHKEquity)
	if !errors.Is(err, errors.ErrAllSourcesFailed) {
		t.Fatalf("err = %v", err)
	}
	var all *errors.AllSourcesFailedError
	errors.As(err, &all)
	if len(all.Failures) != 1 || !errors.Is(all.Failures[0], errors.ErrNoSources) {
		t.Errorf("failures = %v", all.Failures)
	}
}

func TestGetPriceRejectsInvalidKey(t *testing.T) {
	f, _ := newTestFetcher(t, nil)
	if _, err := f.GetPrice(context.Background(), " ", models.MarketUSEquity); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty symbol: err = %v", err)
	}
	if _, err := f.GetPrice(context.Background(), "AAPL", models.Market("moon")); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("bad market: err = %v", err)
	}
}

func TestOpenBreakerSkipsSource(t *testing.T) {
	broken := failingSource("broken", errors.ErrSourceUnavailable)
	backup := priceSource("backup", 7)
	bc := resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour, IsFailure: CountsAgainstSource}
	f, clock := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketUSEquity: {broken, backup}},
		WithBreakers(resilience.NewCircuitBreakerRegistry(bc)))
	ctx := context.Background()

	if _, err := f.GetPrice(ctx, "IBM", models.MarketUSEquity); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)

	r := f.Resolve(ctx, models.NewSymbolMarket("IBM", models.MarketUSEquity))
	if r.Err != nil || r.Quote.Source != "backup" {
		t.Fatalf("result = %+v", r)
	}
	if broken.calls.Load() != 1 {
		t.Errorf("broken source called %d times, want 1 (breaker open)", broken.calls.Load())
	}
	if len(r.Failures) != 1 || !errors.Is(r.Failures[0], resilience.ErrCircuitOpen) {
		t.Errorf("failures = %v", r.Failures)
	}
}

func TestUnsupportedMarketDoesNotTripBreaker(t *testing.T) {
	bc := resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour, IsFailure: CountsAgainstSource}
	picky := failingSource("picky", errors.ErrUnsupportedMarket)
	f, _ := newTestFetcher(t, map[models.Market][]QuoteSource{models.MarketFund: {picky}},
		WithBreakers(resilience.NewCircuitBreakerRegistry(bc)))

	for i := 0; i < 3; i++ {
		f.GetPrice(context.Background(), fmt.Sprintf("00000%d", i), models.MarketFund)
	}
	if f.Breakers().Get("picky").State() != resilience.CircuitClosed {
		t.Error("unsupported market errors should not open the breaker")
	}
	if picky.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", picky.calls.Load())
	}
}

func TestGetPricesBoundedAndIndependent(t *testing.T) {
	var inFlight, peak atomic.Int32
	src := &fakeSource{name: "counting", fn: func(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if symbol == "BAD" {
			return models.Quote{}, errors.NewSourceError("counting", symbol, string(market), errors.ErrSourceMalformed, nil)
		}
		time.Sleep(5 * time.Millisecond)
		return models.Quote{Price: 1}, nil
	}}

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.SourceTimeout = 50 * time.Millisecond
	cfg.Sources = map[models.Market][]QuoteSource{models.MarketUSEquity: {src}}
	f, err := NewFetcher(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var keys []models.SymbolMarket
	for _, s := range []string{"A", "B", "C", "BAD", "D", "E", "a"} {
		keys = append(keys, models.NewSymbolMarket(s, models.MarketUSEquity))
	}
	results := f.GetPrices(context.Background(), keys)

	if len(results) != 6 {
		t.Fatalf("got %d results, want 6 (duplicate collapsed)", len(results))
	}
	if src.calls.Load() != 6 {
		t.Errorf("calls = %d, want 6", src.calls.Load())
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	bad := results[models.NewSymbolMarket("BAD", models.MarketUSEquity)]
	if !errors.Is(bad.Err, errors.ErrAllSourcesFailed) {
		t.Errorf("BAD err = %v", bad.Err)
	}
	if got := len(Quotes(results)); got != 5 {
		t.Errorf("Quotes() = %d entries, want 5", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.SourceTimeout = 0 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }},
		{"nil source", func(c *Config) { c.Sources[models.MarketFund] = []QuoteSource{nil} }},
		{"unknown market", func(c *Config) { c.Sources["moon"] = []QuoteSource{priceSource("x", 1)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("Validate() = %v, want ErrInvalidInput", err)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
