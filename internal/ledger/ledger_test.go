package ledger

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
)

// memJournal is an in-memory Journal used by the ledger tests.
type memJournal struct {
	mu        sync.Mutex
	txns      []models.Transaction
	positions []models.Position
	lastID    int64
	failAdd   bool
	failSave  bool
}

func (j *memJournal) AppendTransaction(tx models.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failAdd {
		return fmt.Errorf("disk full")
	}
	j.txns = append(j.txns, tx)
	return nil
}

func (j *memJournal) SavePositions(positions []models.Position, lastID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failSave {
		return fmt.Errorf("disk full")
	}
	j.positions = slices.Clone(positions)
	j.lastID = lastID
	return nil
}

func (j *memJournal) Load() (models.LedgerState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return models.LedgerState{
		Positions:         slices.Clone(j.positions),
		LastTransactionID: j.lastID,
		Transactions:      slices.Clone(j.txns),
	}, nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, j Journal) *Ledger {
	t.Helper()
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
	l, err := New(j, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func TestWeightedAverageExample(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	if _, err := l.RecordBuy("ABC", models.MarketUSEquity, d("10"), 100, decimal.Zero, ""); err != nil {
		t.Fatal(err)
	}
	p, _ := l.GetPosition("ABC", models.MarketUSEquity)
	if !p.AverageCost.Equal(d("10")) || !p.TotalCost.Equal(d("1000")) {
		t.Fatalf("after first buy avg=%s total=%s, want 10/1000", p.AverageCost, p.TotalCost)
	}

	if _, err := l.RecordBuy("ABC", models.MarketUSEquity, d("20"), 100, decimal.Zero, ""); err != nil {
		t.Fatal(err)
	}
	p, _ = l.GetPosition("ABC", models.MarketUSEquity)
	if p.Quantity != 200 || !p.TotalCost.Equal(d("3000")) || !p.AverageCost.Equal(d("15")) {
		t.Fatalf("after second buy qty=%d avg=%s total=%s, want 200/15/3000", p.Quantity, p.AverageCost, p.TotalCost)
	}

	if _, err := l.RecordSell("ABC", models.MarketUSEquity, d("18"), 50, decimal.Zero, ""); err != nil {
		t.Fatal(err)
	}
	p, _ = l.GetPosition("ABC", models.MarketUSEquity)
	if p.Quantity != 150 || !p.TotalCost.Equal(d("2250")) || !p.AverageCost.Equal(d("15")) {
		t.Fatalf("after sell qty=%d avg=%s total=%s, want 150/15/2250", p.Quantity, p.AverageCost, p.TotalCost)
	}
	if p.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", p.Currency)
	}
}

func TestBuyFeesIncludedInCost(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	if _, err := l.RecordBuy("600519", models.MarketDomesticEquity, d("100"), 10, d("5"), ""); err != nil {
		t.Fatal(err)
	}
	p, _ := l.GetPosition("600519", models.MarketDomesticEquity)
	if !p.TotalCost.Equal(d("1005")) || !p.AverageCost.Equal(d("100.5")) {
		t.Errorf("avg=%s total=%s, want 100.5/1005", p.AverageCost, p.TotalCost)
	}
	if p.Currency != "CNY" {
		t.Errorf("Currency = %q, want CNY", p.Currency)
	}
}

func TestSellEntirePositionRemovesIt(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	l.RecordBuy("00700", models.MarketHKEquity, d("300"), 100, decimal.Zero, "")
	if _, err := l.RecordSell("00700", models.MarketHKEquity, d("320"), 100, d("2"), "close"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.GetPosition("00700", models.MarketHKEquity); ok {
		t.Error("position should be removed when quantity reaches zero")
	}
	if len(l.GetPositions()) != 0 {
		t.Error("GetPositions should be empty")
	}
}

func TestInsufficientPositionLeavesStateUnchanged(t *testing.T) {
	j := &memJournal{}
	l := newTestLedger(t, j)

	l.RecordBuy("AAPL", models.MarketUSEquity, d("150.25"), 10, d("1"), "")
	before, _ := json.Marshal(l.GetPositions())
	lastID := l.LastTransactionID()

	_, err := l.RecordSell("AAPL", models.MarketUSEquity, d("160"), 11, decimal.Zero, "")
	if !errors.Is(err, errors.ErrInsufficientPosition) {
		t.Fatalf("RecordSell() error = %v, want ErrInsufficientPosition", err)
	}
	var pe *errors.PositionError
	if !errors.As(err, &pe) || pe.Held != 10 || pe.Requested != 11 {
		t.Errorf("PositionError = %+v", pe)
	}

	after, _ := json.Marshal(l.GetPositions())
	if string(before) != string(after) {
		t.Errorf("positions changed:\nbefore %s\nafter  %s", before, after)
	}
	if l.LastTransactionID() != lastID || len(j.txns) != 1 {
		t.Error("rejected sell must not append a transaction")
	}

	_, err = l.RecordSell("MSFT", models.MarketUSEquity, d("1"), 1, decimal.Zero, "")
	if !errors.Is(err, errors.ErrInsufficientPosition) {
		t.Errorf("sell without position: error = %v", err)
	}
}

func TestInvalidInput(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	tests := []struct {
		name   string
		symbol string
		market models.Market
		price  string
		qty    int64
		fees   string
	}{
		{"zero price", "AAPL", models.MarketUSEquity, "0", 1, "0"},
		{"negative price", "AAPL", models.MarketUSEquity, "-1", 1, "0"},
		{"zero quantity", "AAPL", models.MarketUSEquity, "1", 0, "0"},
		{"negative quantity", "AAPL", models.MarketUSEquity, "1", -5, "0"},
		{"negative fees", "AAPL", models.MarketUSEquity, "1", 1, "-0.01"},
		{"empty symbol", "  ", models.MarketUSEquity, "1", 1, "0"},
		{"bad market", "AAPL", models.Market("mars"), "1", 1, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RecordBuy(tt.symbol, tt.market, d(tt.price), tt.qty, d(tt.fees), "")
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("RecordBuy() error = %v, want ErrInvalidInput", err)
			}
			_, err = l.RecordSell(tt.symbol, tt.market, d(tt.price), tt.qty, d(tt.fees), "")
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("RecordSell() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if len(l.GetPositions()) != 0 || l.LastTransactionID() != 0 {
		t.Error("invalid input must not mutate the ledger")
	}
}

func TestAppendFailureIsReturnedAndNothingChanges(t *testing.T) {
	j := &memJournal{failAdd: true}
	l := newTestLedger(t, j)

	_, err := l.RecordBuy("AAPL", models.MarketUSEquity, d("1"), 1, decimal.Zero, "")
	if !errors.Is(err, errors.ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}
	if len(l.GetPositions()) != 0 || l.LastTransactionID() != 0 {
		t.Error("failed append must not mutate the ledger")
	}
}

func TestGetTransactionsFilterAndRestart(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	l.RecordBuy("AAPL", models.MarketUSEquity, d("100"), 10, decimal.Zero, "")
	l.RecordBuy("00700", models.MarketHKEquity, d("300"), 100, decimal.Zero, "")
	l.RecordSell("AAPL", models.MarketUSEquity, d("110"), 5, decimal.Zero, "")

	all := l.GetTransactions(TransactionFilter{})
	var ids []int64
	for tx := range all {
		ids = append(ids, tx.ID)
	}
	if !slices.Equal(ids, []int64{1, 2, 3}) {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}

	// The same sequence picks up transactions recorded after it was created.
	l.RecordBuy("AAPL", models.MarketUSEquity, d("90"), 1, decimal.Zero, "")
	count := 0
	var prev time.Time
	for tx := range all {
		if tx.Timestamp.Before(prev) {
			t.Errorf("transaction %d out of timestamp order", tx.ID)
		}
		prev = tx.Timestamp
		count++
	}
	if count != 4 {
		t.Errorf("restarted sequence yielded %d, want 4", count)
	}

	var aapl []models.Side
	for tx := range l.GetTransactions(TransactionFilter{Symbol: "aapl", Market: models.MarketUSEquity}) {
		aapl = append(aapl, tx.Side)
	}
	if !slices.Equal(aapl, []models.Side{models.SideBuy, models.SideSell, models.SideBuy}) {
		t.Errorf("AAPL sides = %v", aapl)
	}

	sells := 0
	for range l.GetTransactions(TransactionFilter{Side: models.SideSell}) {
		sells++
	}
	if sells != 1 {
		t.Errorf("sells = %d, want 1", sells)
	}

	// Clock ticks one minute per transaction starting at 09:31.
	from := time.Date(2024, 3, 1, 9, 32, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 9, 33, 0, 0, time.UTC)
	var ranged []int64
	for tx := range l.GetTransactions(TransactionFilter{From: from, To: to}) {
		ranged = append(ranged, tx.ID)
	}
	if !slices.Equal(ranged, []int64{2, 3}) {
		t.Errorf("date range ids = %v, want [2 3]", ranged)
	}

	// Early break stops iteration.
	n := 0
	for range all {
		n++
		break
	}
	if n != 1 {
		t.Errorf("break yielded %d", n)
	}
}

func TestConcurrentMutationsAcrossKeys(t *testing.T) {
	l := newTestLedger(t, &memJournal{})

	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var wg sync.WaitGroup
	for _, sym := range symbols {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				if _, err := l.RecordBuy(sym, models.MarketUSEquity, d("10"), 2, decimal.Zero, ""); err != nil {
					t.Error(err)
				}
			}(sym)
		}
	}
	wg.Wait()

	positions := l.GetPositions()
	if len(positions) != len(symbols) {
		t.Fatalf("positions = %d, want %d", len(positions), len(symbols))
	}
	for _, p := range positions {
		if p.Quantity != 50 || !p.TotalCost.Equal(d("500")) {
			t.Errorf("%s qty=%d total=%s, want 50/500", p.Symbol, p.Quantity, p.TotalCost)
		}
	}
	if l.LastTransactionID() != int64(len(symbols)*25) {
		t.Errorf("LastTransactionID = %d", l.LastTransactionID())
	}

	seen := map[int64]bool{}
	for tx := range l.GetTransactions(TransactionFilter{}) {
		if seen[tx.ID] {
			t.Fatalf("duplicate id %d", tx.ID)
		}
		seen[tx.ID] = true
	}
}

func TestRestoreReplaysTransactionsAfterSnapshot(t *testing.T) {
	j := &memJournal{}
	l := newTestLedger(t, j)

	l.RecordBuy("AAPL", models.MarketUSEquity, d("10"), 100, decimal.Zero, "")
	// Snapshot writes fail from here on, leaving the snapshot at txn 1.
	j.failSave = true
	l.RecordBuy("AAPL", models.MarketUSEquity, d("20"), 100, decimal.Zero, "")
	l.RecordSell("AAPL", models.MarketUSEquity, d("18"), 50, decimal.Zero, "")
	l.RecordBuy("MSFT", models.MarketUSEquity, d("300"), 1, decimal.Zero, "")
	want, _ := json.Marshal(l.GetPositions())

	if j.lastID != 1 {
		t.Fatalf("snapshot lastID = %d, want 1", j.lastID)
	}
	j.failSave = false

	restored := newTestLedger(t, j)
	got, _ := json.Marshal(restored.GetPositions())
	if string(got) != string(want) {
		t.Errorf("restored positions differ:\n got %s\nwant %s", got, want)
	}
	if restored.LastTransactionID() != 4 {
		t.Errorf("LastTransactionID = %d, want 4", restored.LastTransactionID())
	}
	if j.lastID != 4 {
		t.Errorf("replay should persist a fresh snapshot, lastID = %d", j.lastID)
	}

	id, err := restored.RecordBuy("AAPL", models.MarketUSEquity, d("1"), 1, decimal.Zero, "")
	if err != nil || id != 5 {
		t.Errorf("next id = %d, %v; want 5", id, err)
	}
}

func TestUpdatePricesKeepsCostBasis(t *testing.T) {
	l := newTestLedger(t, &memJournal{})
	l.RecordBuy("AAPL", models.MarketUSEquity, d("100"), 10, decimal.Zero, "")

	asOf := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	n := l.UpdatePrices(map[models.SymbolMarket]models.Quote{
		{Symbol: "AAPL", Market: models.MarketUSEquity}: {Symbol: "AAPL", Market: models.MarketUSEquity, Price: 120.5, AsOf: asOf},
		{Symbol: "GONE", Market: models.MarketUSEquity}: {Symbol: "GONE", Market: models.MarketUSEquity, Price: 1, AsOf: asOf},
	})
	if n != 1 {
		t.Errorf("updated = %d, want 1", n)
	}

	p, _ := l.GetPosition("AAPL", models.MarketUSEquity)
	if !p.LastPrice.Equal(d("120.5")) || !p.LastPriceAt.Equal(asOf) {
		t.Errorf("last price = %s @ %v", p.LastPrice, p.LastPriceAt)
	}

	l.RecordBuy("AAPL", models.MarketUSEquity, d("80"), 10, decimal.Zero, "")
	p, _ = l.GetPosition("AAPL", models.MarketUSEquity)
	if !p.LastPrice.Equal(d("120.5")) {
		t.Error("a later buy must carry the last price forward")
	}
	if !p.AverageCost.Equal(d("90")) {
		t.Errorf("AverageCost = %s, want 90", p.AverageCost)
	}
}
