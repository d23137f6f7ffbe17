package quotes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/resilience"
)

const maxBodySize = 1 << 20

// HTTPOptions configures the transport shared by the vendor adapters.
type HTTPOptions struct {
	// BaseURL overrides the vendor endpoint, mostly for tests.
	BaseURL string
	Client  *http.Client
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Now       func() time.Time
}

// httpSource holds what every HTTP adapter needs.
type httpSource struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *resilience.RateLimiter
	now     func() time.Time
}

func newHTTPSource(name, defaultBase string, opts HTTPOptions) httpSource {
	s := httpSource{
		name:    name,
		baseURL: defaultBase,
		client:  opts.Client,
		now:     opts.Now,
	}
	if opts.BaseURL != "" {
		s.baseURL = opts.BaseURL
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 15 * time.Second}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.RateLimit > 0 {
		s.limiter = resilience.NewRateLimiter(opts.RateLimit, 1)
	}
	return s
}

func (s httpSource) Name() string { return s.name }

// get retrieves addr and maps transport and status failures to source errors.
// The rate limiter is checked without waiting: an exhausted bucket is a
// rate-limit failure so the fetcher falls through to the next source.
func (s httpSource) get(ctx context.Context, symbol string, market models.Market, addr string, header http.Header) ([]byte, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, errors.NewSourceError(s.name, symbol, string(market), errors.ErrSourceRateLimited, fmt.Errorf("local rate limit"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, errors.NewSourceError(s.name, symbol, string(market), errors.ErrSourceUnavailable, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; portfolio-engine)")
	req.Header.Set("Accept", "*/*")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		kind := errors.ErrSourceUnavailable
		if ctx.Err() != nil {
			kind = errors.ErrSourceTimeout
		}
		return nil, errors.NewSourceError(s.name, symbol, string(market), kind, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.NewSourceError(s.name, symbol, string(market), errors.ErrSourceRateLimited, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, errors.NewSourceError(s.name, symbol, string(market), errors.ErrSourceUnavailable, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, malformed(s.name, symbol, market, fmt.Errorf("http %d", resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxBodySize)); err != nil {
		kind := errors.ErrSourceUnavailable
		if ctx.Err() != nil {
			kind = errors.ErrSourceTimeout
		}
		return nil, errors.NewSourceError(s.name, symbol, string(market), kind, fmt.Errorf("read body: %w", err))
	}
	return buf.Bytes(), nil
}
