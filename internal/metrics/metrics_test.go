package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.ObserveSource("yahoo", "ok", time.Second)
	m.ObserveCache("memory", true)
	m.ObserveTask("valuation", "ok", time.Second)
	m.ObserveAlert("price_swing", "high", "sent")
	m.SetPortfolio(1, 1, 0, 100, 0)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCountersAndEndpoint(t *testing.T) {
	m := New()
	m.ObserveSource("yahoo", "ok", 100*time.Millisecond)
	m.ObserveSource("yahoo", "timeout", 10*time.Second)
	m.ObserveSource("yahoo", "ok", 50*time.Millisecond)
	m.SetPortfolio(1500, 1400, 100, 66.67, 1)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "portfolio_total_value" {
			found = true
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 1500 {
				t.Errorf("portfolio value = %v, want 1500", v)
			}
		}
	}
	if !found {
		t.Error("portfolio_total_value not gathered")
	}

	srv := NewServer(":0", m, func() any { return map[string]int{"positions": 2} }, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `portfolio_quote_source_requests_total{outcome="ok",source="yahoo"} 2`) {
		t.Errorf("metrics output missing ok counter:\n%s", body)
	}
	if !strings.Contains(string(body), `portfolio_quote_source_requests_total{outcome="timeout",source="yahoo"} 1`) {
		t.Errorf("metrics output missing timeout counter:\n%s", body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if !strings.Contains(rec.Body.String(), `"positions":2`) {
		t.Errorf("healthz = %s", rec.Body.String())
	}
}
