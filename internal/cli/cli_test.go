package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/engine"
	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/quotes"
)

// fixedSource prices every known symbol at a constant.
func fixedSource(prices map[string]float64) quotes.QuoteSource {
	return quotes.SourceFunc{SourceName: "fixed", Fn: func(ctx context.Context, symbol string, market models.Market) (models.Quote, error) {
		p, ok := prices[symbol]
		if !ok {
			return models.Quote{}, fmt.Errorf("no price for %s", symbol)
		}
		return models.Quote{Symbol: symbol, Market: market, Price: p, Currency: market.Currency(), AsOf: time.Now(), Source: "fixed"}, nil
	}}
}

type harness struct {
	t      *testing.T
	dir    string
	prices map[string]float64
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, dir: t.TempDir(), prices: map[string]float64{}}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	src := fixedSource(h.prices)
	cmd := NewRootCmd(
		WithLogger(zerolog.Nop()),
		WithEngineOptions(engine.WithSources(map[models.Market][]quotes.QuoteSource{
			models.MarketUSEquity:       {src},
			models.MarketDomesticEquity: {src},
		})),
	)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", h.dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) runJSON(v interface{}, args ...string) {
	h.t.Helper()
	out, err := h.run(append(args, "--json")...)
	if err != nil {
		h.t.Fatalf("%v: %v\n%s", args, err, out)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		h.t.Fatalf("%v: decoding %q: %v", args, out, err)
	}
}

func TestRecordAndListPositions(t *testing.T) {
	h := newHarness(t)

	var res struct {
		ID       int64 `json:"id"`
		Position struct {
			Quantity    int64  `json:"quantity"`
			AverageCost string `json:"average_cost"`
		} `json:"position"`
	}
	h.runJSON(&res, "record-buy", "aapl", "us-equity", "100", "10")
	if res.ID != 1 || res.Position.Quantity != 100 || res.Position.AverageCost != "10" {
		t.Fatalf("first buy = %+v", res)
	}
	h.runJSON(&res, "record-buy", "AAPL", "us-equity", "100", "20")
	if res.ID != 2 || res.Position.AverageCost != "15" {
		t.Fatalf("second buy = %+v", res)
	}
	h.runJSON(&res, "record-sell", "AAPL", "us-equity", "50", "18", "--notes", "trim")
	if res.Position.Quantity != 150 || res.Position.AverageCost != "15" {
		t.Fatalf("sell = %+v", res)
	}

	var positions []models.Position
	h.runJSON(&positions, "positions")
	if len(positions) != 1 || positions[0].TotalCost.String() != "2250" {
		t.Fatalf("positions = %+v", positions)
	}

	var txs []models.Transaction
	h.runJSON(&txs, "transactions", "--side", "sell")
	if len(txs) != 1 || txs[0].Notes != "trim" {
		t.Fatalf("sell transactions = %+v", txs)
	}

	out, err := h.run("positions")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if !strings.Contains(out, "AAPL") || !strings.Contains(out, "never") {
		t.Errorf("positions table:\n%s", out)
	}
}

func TestRecordRejections(t *testing.T) {
	h := newHarness(t)

	if _, err := h.run("record-buy", "AAPL", "us-equity", "10", "150"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := h.run("record-sell", "AAPL", "us-equity", "11", "150")
	if !errors.Is(err, errors.ErrInsufficientPosition) {
		t.Errorf("oversell err = %v", err)
	}

	for _, args := range [][]string{
		{"record-buy", "AAPL", "nasdaq", "10", "150"},
		{"record-buy", "AAPL", "us-equity", "ten", "150"},
		{"record-buy", "AAPL", "us-equity", "10", "0"},
		{"record-buy", "AAPL", "us-equity", "10", "150", "--fees", "x"},
	} {
		if _, err := h.run(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}

	var positions []models.Position
	h.runJSON(&positions, "positions")
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Errorf("rejected commands changed the ledger: %+v", positions)
	}
}

func TestPortfolioSummary(t *testing.T) {
	h := newHarness(t)
	h.prices["AAPL"] = 200

	if _, err := h.run("record-buy", "AAPL", "us-equity", "10", "100"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.run("record-buy", "MSFT", "us-equity", "5", "100"); err != nil {
		t.Fatal(err)
	}

	var res struct {
		Snapshot struct {
			Summary struct {
				TotalValue float64 `json:"total_value"`
				PnL        float64 `json:"pnl"`
			} `json:"summary"`
			StaleCount int `json:"stale_count"`
		} `json:"snapshot"`
		Alerts []models.Alert `json:"alerts"`
	}
	h.runJSON(&res, "get-portfolio-summary")
	// MSFT has no quote and is valued at cost.
	if res.Snapshot.Summary.TotalValue != 2500 || res.Snapshot.Summary.PnL != 1000 || res.Snapshot.StaleCount != 1 {
		t.Errorf("summary = %+v", res.Snapshot)
	}
	if len(res.Alerts) == 0 {
		t.Error("expected alerts from summary")
	}

	out, err := h.run("get-portfolio-summary")
	if err != nil {
		t.Fatalf("text summary: %v", err)
	}
	for _, want := range []string{"Portfolio Summary", "AAPL", "never priced", "Concentration"} {
		if !strings.Contains(out, want) {
			t.Errorf("text summary missing %q:\n%s", want, out)
		}
	}

	out, err = h.run("get-portfolio-summary", "--format", "html")
	if err != nil || !strings.Contains(out, "<table>") {
		t.Errorf("html summary err=%v:\n%s", err, out)
	}

	if _, err := h.run("get-portfolio-summary", "--format", "pdf"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("bad format err = %v", err)
	}
}

func TestRunValuationNowAppliesCooldown(t *testing.T) {
	h := newHarness(t)
	h.prices["AAPL"] = 190

	if _, err := h.run("record-buy", "AAPL", "us-equity", "10", "150"); err != nil {
		t.Fatal(err)
	}

	var first, second struct {
		ID         string         `json:"run_id"`
		Delivered  []models.Alert `json:"delivered"`
		Suppressed []models.Alert `json:"suppressed"`
	}
	h.runJSON(&first, "run-valuation-now")
	if first.ID == "" || len(first.Delivered) == 0 || len(first.Suppressed) != 0 {
		t.Fatalf("first run = %+v", first)
	}

	// Cooldown state is read back from the history database by a new process.
	h.runJSON(&second, "run-valuation-now")
	if len(second.Delivered) != 0 || len(second.Suppressed) != len(first.Delivered) {
		t.Errorf("second run delivered %d, suppressed %d", len(second.Delivered), len(second.Suppressed))
	}
}

func TestTasksCommands(t *testing.T) {
	h := newHarness(t)

	var status []struct {
		Name string `json:"name"`
	}
	h.runJSON(&status, "tasks", "list")
	var names []string
	for _, s := range status {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "price_refresh,valuation,daily_report,weekly_report" {
		t.Errorf("tasks = %s", got)
	}

	if _, err := h.run("tasks", "run", "price_refresh"); err != nil {
		t.Errorf("run price_refresh: %v", err)
	}
	if _, err := h.run("tasks", "run", "nope"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("unknown task err = %v", err)
	}
}

func TestConfigAndVersion(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("config", "path")
	if err != nil || strings.TrimSpace(out) != h.dir {
		t.Errorf("config path = %q, %v", out, err)
	}
	if _, err := h.run("config", "validate"); err != nil {
		t.Errorf("config validate: %v", err)
	}
	out, err = h.run("version")
	if err != nil || !strings.Contains(out, Version) {
		t.Errorf("version = %q, %v", out, err)
	}
}
