// Package ledger records buy and sell transactions and maintains the position
// table derived from them with a weighted-average cost basis.
package ledger

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/models"
)

// Journal persists ledger state. AppendTransaction must be durable before it
// returns; SavePositions atomically replaces the previous position snapshot.
type Journal interface {
	AppendTransaction(tx models.Transaction) error
	SavePositions(positions []models.Position, lastTransactionID int64) error
	Load() (models.LedgerState, error)
}

// TransactionFilter selects transactions. Zero fields match everything; From
// and To are inclusive.
type TransactionFilter struct {
	Symbol string
	Market models.Market
	Side   models.Side
	From   time.Time
	To     time.Time
}

func (f TransactionFilter) match(tx models.Transaction) bool {
	if f.Symbol != "" && tx.Symbol != models.NormalizeSymbol(f.Symbol) {
		return false
	}
	if f.Market != "" && tx.Market != f.Market {
		return false
	}
	if f.Side != "" && tx.Side != f.Side {
		return false
	}
	if !f.From.IsZero() && tx.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logging.WithComponent(logger, "ledger") }
}

// Ledger is the sole owner of the position table. Mutations on the same
// (symbol, market) are serialized by a per-key mutex. Mutations on different
// keys validate in parallel but then take turns through appendMu, which
// covers the fsync'd journal append, so one slow disk sync delays every key.
type Ledger struct {
	journal Journal
	logger  zerolog.Logger
	now     func() time.Time

	keyMu    sync.Mutex
	keyLocks map[models.SymbolMarket]*sync.Mutex

	// appendMu orders id assignment, the journal append and the position
	// update, so the table always reflects exactly transactions 1..lastID.
	appendMu sync.Mutex
	lastTS   time.Time

	mu        sync.RWMutex
	positions map[models.SymbolMarket]models.Position
	txns      []models.Transaction
	lastID    int64

	saveMu sync.Mutex
}

// New creates a ledger backed by journal and restores persisted state: the
// latest position snapshot plus every transaction appended after it.
func New(journal Journal, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		journal:   journal,
		logger:    zerolog.Nop(),
		now:       time.Now,
		keyLocks:  make(map[models.SymbolMarket]*sync.Mutex),
		positions: make(map[models.SymbolMarket]models.Position),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.restore(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) restore() error {
	state, err := l.journal.Load()
	if err != nil {
		return errors.Wrap(err, "loading ledger state")
	}

	for _, p := range state.Positions {
		l.positions[p.Key()] = p
	}
	l.lastID = state.LastTransactionID

	txns := append([]models.Transaction(nil), state.Transactions...)
	sort.SliceStable(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })

	replayed := 0
	for _, tx := range txns {
		if tx.ID > state.LastTransactionID {
			cur, ok := l.positions[tx.Key()]
			next, keep, err := apply(cur, ok, tx)
			if err != nil {
				return errors.Wrapf(errors.ErrPersistence, "replaying transaction %d: %v", tx.ID, err)
			}
			if keep {
				l.positions[tx.Key()] = next
			} else {
				delete(l.positions, tx.Key())
			}
			l.lastID = tx.ID
			replayed++
		}
		if tx.ID > l.lastID {
			l.lastID = tx.ID
		}
		if tx.Timestamp.After(l.lastTS) {
			l.lastTS = tx.Timestamp
		}
	}
	l.txns = txns

	l.logger.Info().
		Int("positions", len(l.positions)).
		Int("transactions", len(txns)).
		Int("replayed", replayed).
		Msg("Ledger restored")

	if replayed > 0 {
		l.saveSnapshot()
	}
	return nil
}

func (l *Ledger) lockKey(key models.SymbolMarket) func() {
	l.keyMu.Lock()
	m, ok := l.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		l.keyLocks[key] = m
	}
	l.keyMu.Unlock()

	m.Lock()
	return m.Unlock
}

// RecordBuy appends a buy transaction and blends it into the position's
// weighted-average cost. It returns the new transaction id.
func (l *Ledger) RecordBuy(symbol string, market models.Market, price decimal.Decimal, quantity int64, fees decimal.Decimal, notes string) (int64, error) {
	return l.record(models.SideBuy, symbol, market, price, quantity, fees, notes)
}

// RecordSell appends a sell transaction and reduces the position's quantity
// and total cost proportionally. Selling more than is held fails with a
// PositionError and leaves the ledger untouched.
func (l *Ledger) RecordSell(symbol string, market models.Market, price decimal.Decimal, quantity int64, fees decimal.Decimal, notes string) (int64, error) {
	return l.record(models.SideSell, symbol, market, price, quantity, fees, notes)
}

func (l *Ledger) record(side models.Side, symbol string, market models.Market, price decimal.Decimal, quantity int64, fees decimal.Decimal, notes string) (int64, error) {
	tx := models.Transaction{
		Symbol:   models.NormalizeSymbol(symbol),
		Market:   market,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Fees:     fees,
		Notes:    notes,
	}
	if err := validate(tx); err != nil {
		return 0, err
	}

	unlock := l.lockKey(tx.Key())
	defer unlock()

	l.mu.RLock()
	cur, ok := l.positions[tx.Key()]
	l.mu.RUnlock()

	l.appendMu.Lock()
	ts := l.now()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	tx.Timestamp = ts

	next, keep, err := apply(cur, ok, tx)
	if err != nil {
		l.appendMu.Unlock()
		return 0, err
	}

	l.mu.RLock()
	tx.ID = l.lastID + 1
	l.mu.RUnlock()

	if err := l.journal.AppendTransaction(tx); err != nil {
		l.appendMu.Unlock()
		return 0, errors.Wrapf(errors.ErrPersistence, "appending transaction: %v", err)
	}
	l.lastTS = ts

	l.mu.Lock()
	if keep {
		// Prices may have been refreshed since cur was read.
		if latest, ok := l.positions[tx.Key()]; ok {
			next.LastPrice = latest.LastPrice
			next.LastPriceAt = latest.LastPriceAt
		}
		l.positions[tx.Key()] = next
	} else {
		delete(l.positions, tx.Key())
	}
	l.txns = append(l.txns, tx)
	l.lastID = tx.ID
	l.mu.Unlock()
	l.appendMu.Unlock()

	logging.LogTransaction(l.logger, tx.ID, tx.Symbol, string(tx.Market), string(tx.Side), tx.Quantity, tx.Price.String())

	l.saveSnapshot()
	return tx.ID, nil
}

func validate(tx models.Transaction) error {
	if tx.Symbol == "" {
		return errors.NewValidationError("symbol", tx.Symbol, "must not be empty")
	}
	if !tx.Market.Valid() {
		return errors.NewValidationError("market", tx.Market, "unsupported market")
	}
	if !tx.Price.IsPositive() {
		return errors.NewValidationError("price", tx.Price, "must be greater than zero")
	}
	if tx.Quantity <= 0 {
		return errors.NewValidationError("quantity", tx.Quantity, "must be greater than zero")
	}
	if tx.Fees.IsNegative() {
		return errors.NewValidationError("fees", tx.Fees, "must not be negative")
	}
	return nil
}

// apply folds tx into the current position. keep is false when the
// resulting position is closed and must be removed.
func apply(cur models.Position, exists bool, tx models.Transaction) (next models.Position, keep bool, err error) {
	switch tx.Side {
	case models.SideBuy:
		if !exists || cur.Quantity == 0 {
			cur = models.Position{
				Symbol:    tx.Symbol,
				Market:    tx.Market,
				Currency:  tx.Market.Currency(),
				OpenedAt:  tx.Timestamp,
				TotalCost: decimal.Zero,
			}
		}
		qty := cur.Quantity + tx.Quantity
		total := cur.TotalCost.Add(tx.Gross()).Add(tx.Fees)
		cur.Quantity = qty
		cur.TotalCost = total
		cur.AverageCost = total.Div(decimal.NewFromInt(qty))
		return cur, true, nil

	case models.SideSell:
		var held int64
		if exists {
			held = cur.Quantity
		}
		if tx.Quantity > held {
			return models.Position{}, false, errors.NewPositionError(tx.Symbol, string(tx.Market), held, tx.Quantity)
		}
		after := held - tx.Quantity
		if after == 0 {
			return models.Position{}, false, nil
		}
		cur.TotalCost = cur.TotalCost.Mul(decimal.NewFromInt(after)).Div(decimal.NewFromInt(held))
		cur.Quantity = after
		return cur, true, nil
	}
	return models.Position{}, false, errors.NewValidationError("side", tx.Side, "must be buy or sell")
}

// saveSnapshot persists the current position table. A failure here is logged
// and not returned: the transaction is already durable and the next restart
// replays it on top of the previous snapshot.
func (l *Ledger) saveSnapshot() {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.RLock()
	positions := l.sortedPositionsLocked()
	lastID := l.lastID
	l.mu.RUnlock()

	if err := l.journal.SavePositions(positions, lastID); err != nil {
		l.logger.Error().Err(err).Int64("last_txn_id", lastID).Msg("Failed to save position snapshot")
	}
}

func (l *Ledger) sortedPositionsLocked() []models.Position {
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// GetPositions returns a copy of the open positions ordered by market and symbol.
func (l *Ledger) GetPositions() []models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedPositionsLocked()
}

// GetPosition returns a copy of a single position.
func (l *Ledger) GetPosition(symbol string, market models.Market) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[models.NewSymbolMarket(symbol, market)]
	return p, ok
}

// GetTransactions returns the transactions matching filter in timestamp
// order. The sequence is evaluated lazily and every range over it starts
// from the beginning of the log as it is at that moment.
func (l *Ledger) GetTransactions(filter TransactionFilter) iter.Seq[models.Transaction] {
	return func(yield func(models.Transaction) bool) {
		l.mu.RLock()
		txns := l.txns
		l.mu.RUnlock()

		// Entries below len(txns) are never rewritten, so no lock is
		// needed while yielding.
		for _, tx := range txns {
			if !filter.match(tx) {
				continue
			}
			if !yield(tx) {
				return
			}
		}
	}
}

// UpdatePrices records the latest market price of each open position that has
// a quote. Quotes for closed positions are ignored.
func (l *Ledger) UpdatePrices(quotes map[models.SymbolMarket]models.Quote) int {
	if len(quotes) == 0 {
		return 0
	}

	updated := 0
	l.mu.Lock()
	for key, q := range quotes {
		p, ok := l.positions[key]
		if !ok || q.Price <= 0 {
			continue
		}
		p.LastPrice = decimal.NewFromFloat(q.Price)
		p.LastPriceAt = q.AsOf
		l.positions[key] = p
		updated++
	}
	l.mu.Unlock()

	if updated > 0 {
		l.saveSnapshot()
	}
	return updated
}

// LastTransactionID returns the id of the most recent transaction.
func (l *Ledger) LastTransactionID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}
