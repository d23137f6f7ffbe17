package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
)

func testTxn(id int64, symbol string, side models.Side, qty int64) models.Transaction {
	return models.Transaction{
		ID:        id,
		Symbol:    symbol,
		Market:    models.MarketUSEquity,
		Side:      side,
		Price:     decimal.RequireFromString("12.34"),
		Quantity:  qty,
		Fees:      decimal.RequireFromString("0.5"),
		Timestamp: time.Date(2024, 1, 2, 10, int(id), 0, 0, time.UTC),
		Notes:     "note",
	}
}

func TestJSONLStoreEmptyLoad(t *testing.T) {
	s, err := NewJSONLStore(filepath.Join(t.TempDir(), "data"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.Positions) != 0 || len(state.Transactions) != 0 || state.LastTransactionID != 0 {
		t.Errorf("expected empty state, got %+v", state)
	}
}

func TestJSONLStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewJSONLStore(dir, zerolog.Nop())
	defer s.Close()

	for i, side := range []models.Side{models.SideBuy, models.SideBuy, models.SideSell} {
		if err := s.AppendTransaction(testTxn(int64(i+1), "AAPL", side, 10)); err != nil {
			t.Fatal(err)
		}
	}
	positions := []models.Position{{
		Symbol:      "AAPL",
		Market:      models.MarketUSEquity,
		Quantity:    10,
		AverageCost: decimal.RequireFromString("12.84"),
		TotalCost:   decimal.RequireFromString("128.4"),
		Currency:    "USD",
		OpenedAt:    time.Date(2024, 1, 2, 10, 1, 0, 0, time.UTC),
	}}
	if err := s.SavePositions(positions, 3); err != nil {
		t.Fatal(err)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.LastTransactionID != 3 {
		t.Errorf("LastTransactionID = %d, want 3", state.LastTransactionID)
	}
	if len(state.Transactions) != 3 || state.Transactions[2].Side != models.SideSell {
		t.Errorf("transactions = %+v", state.Transactions)
	}
	if !state.Transactions[0].Price.Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("price = %s", state.Transactions[0].Price)
	}
	if len(state.Positions) != 1 || !state.Positions[0].TotalCost.Equal(decimal.RequireFromString("128.4")) {
		t.Errorf("positions = %+v", state.Positions)
	}

	data, _ := os.ReadFile(filepath.Join(dir, transactionsFile))
	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("transaction log has %d lines, want 3", got)
	}
}

func TestJSONLStoreSnapshotReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewJSONLStore(dir, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := s.SavePositions(nil, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
	state, _ := s.Load()
	if state.LastTransactionID != 4 {
		t.Errorf("LastTransactionID = %d, want 4", state.LastTransactionID)
	}
}

func TestJSONLStoreTornFinalLine(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewJSONLStore(dir, zerolog.Nop())
	s.AppendTransaction(testTxn(1, "AAPL", models.SideBuy, 1))
	s.Close()

	f, _ := os.OpenFile(filepath.Join(dir, transactionsFile), os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"id":2,"symbol":"AA`)
	f.Close()

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(state.Transactions))
	}

	// The torn tail is truncated so the next append starts on a clean line.
	if err := s.AppendTransaction(testTxn(2, "AAPL", models.SideBuy, 1)); err != nil {
		t.Fatal(err)
	}
	state, err = s.Load()
	if err != nil || len(state.Transactions) != 2 {
		t.Errorf("after append: %d transactions, err %v", len(state.Transactions), err)
	}
}

func TestJSONLStoreCorruptMiddleLine(t *testing.T) {
	dir := t.TempDir()
	content := "{\"id\":1}\nnot json\n{\"id\":3}\n"
	os.WriteFile(filepath.Join(dir, transactionsFile), []byte(content), 0644)

	s, _ := NewJSONLStore(dir, zerolog.Nop())
	if _, err := s.Load(); !errors.Is(err, errors.ErrPersistence) {
		t.Errorf("Load() error = %v, want ErrPersistence", err)
	}
}

func TestJSONLStoreTruncatedSnapshot(t *testing.T) {
	dir := t.TempDir()
	content := "{\"version\":1,\"last_transaction_id\":2,\"positions\":2}\n{\"symbol\":\"A\"}\n"
	os.WriteFile(filepath.Join(dir, positionsFile), []byte(content), 0644)

	s, _ := NewJSONLStore(dir, zerolog.Nop())
	if _, err := s.Load(); !errors.Is(err, errors.ErrPersistence) {
		t.Errorf("Load() error = %v, want ErrPersistence", err)
	}
}
