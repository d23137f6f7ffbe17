package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/valuation"
)

// SQLiteStore implements HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.RWMutex
	cooldowns map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based history store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		cooldowns: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per valuation run
	CREATE TABLE IF NOT EXISTS valuation_snapshots (
		run_id TEXT PRIMARY KEY,
		as_of DATETIME NOT NULL,
		total_value REAL NOT NULL,
		total_cost REAL NOT NULL,
		pnl REAL NOT NULL,
		pnl_pct REAL NOT NULL,
		concentration REAL NOT NULL,
		risk_level TEXT NOT NULL,
		stale_count INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Alert log, delivered or suppressed
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		severity TEXT NOT NULL,
		symbol TEXT,
		market TEXT,
		value REAL NOT NULL,
		threshold REAL NOT NULL,
		message TEXT NOT NULL,
		delivered INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	-- Last send time per alert dedup key
	CREATE TABLE IF NOT EXISTS alert_cooldowns (
		dedup_key TEXT PRIMARY KEY,
		sent_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_as_of ON valuation_snapshots(as_of);
	CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Snapshot Methods
// ============================================================================

// SaveSnapshot stores a valuation run. Saving the same run id twice replaces it.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, snap valuation.Snapshot) error {
	if runID == "" {
		return errors.NewValidationError("run_id", runID, "must not be empty")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO valuation_snapshots (run_id, as_of, total_value, total_cost, pnl, pnl_pct, concentration, risk_level, stale_count, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, snap.AsOf.UTC(), snap.Summary.TotalValue, snap.Summary.TotalCost, snap.Summary.PnL, snap.Summary.PnLPct,
		snap.Risk.Concentration, string(snap.Risk.Level), snap.StaleCount, string(payload))
	if err != nil {
		return errors.Wrapf(errors.ErrPersistence, "failed to save snapshot: %v", err)
	}
	return nil
}

// LatestSnapshot returns the most recent run, or nil when there is none.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	records, err := s.ListSnapshots(ctx, SnapshotFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListSnapshots returns stored runs, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]SnapshotRecord, error) {
	query := "SELECT run_id, as_of, payload FROM valuation_snapshots WHERE 1=1"
	args := []interface{}{}

	if !filter.From.IsZero() {
		query += " AND as_of >= ?"
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += " AND as_of <= ?"
		args = append(args, filter.To.UTC())
	}

	query += " ORDER BY as_of DESC, created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var payload string
		if err := rows.Scan(&r.RunID, &r.AsOf, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Snapshot); err != nil {
			return nil, errors.Wrapf(errors.ErrPersistence, "decoding snapshot %s: %v", r.RunID, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return records, nil
}

// ============================================================================
// Alert Methods
// ============================================================================

// SaveAlert logs an alert. The alert must carry an id.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert models.Alert, delivered bool) error {
	if alert.ID == "" {
		return errors.NewValidationError("id", alert.ID, "alert id is required")
	}
	isDelivered := 0
	if delivered {
		isDelivered = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (id, rule, severity, symbol, market, value, threshold, message, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, string(alert.Rule), string(alert.Severity), alert.Symbol, string(alert.Market),
		alert.Value, alert.Threshold, alert.Message, isDelivered, alert.CreatedAt.UTC())
	if err != nil {
		return errors.Wrapf(errors.ErrPersistence, "failed to save alert: %v", err)
	}
	return nil
}

// GetAlerts retrieves alerts, newest first.
func (s *SQLiteStore) GetAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	query := "SELECT id, rule, severity, symbol, market, value, threshold, message, delivered, created_at FROM alerts WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, models.NormalizeSymbol(filter.Symbol))
	}
	if filter.Rule != "" {
		query += " AND rule = ?"
		args = append(args, string(filter.Rule))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.DeliveredOnly {
		query += " AND delivered = 1"
	}

	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var r AlertRecord
		var rule, severity, market string
		var delivered int
		if err := rows.Scan(&r.ID, &rule, &severity, &r.Symbol, &market, &r.Value, &r.Threshold, &r.Message, &delivered, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		r.Rule = models.AlertRule(rule)
		r.Severity = models.Severity(severity)
		r.Market = models.Market(market)
		r.Delivered = delivered == 1
		alerts = append(alerts, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

// ============================================================================
// Cooldown Methods
// ============================================================================

// GetCooldown returns when the alert key was last sent.
func (s *SQLiteStore) GetCooldown(key string) (time.Time, bool, error) {
	s.mu.RLock()
	if t, ok := s.cooldowns[key]; ok {
		s.mu.RUnlock()
		return t, true, nil
	}
	s.mu.RUnlock()

	var sentAt time.Time
	err := s.db.QueryRow("SELECT sent_at FROM alert_cooldowns WHERE dedup_key = ?", key).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get cooldown: %w", err)
	}

	s.mu.Lock()
	s.cooldowns[key] = sentAt
	s.mu.Unlock()
	return sentAt, true, nil
}

// SetCooldown records when the alert key was sent.
func (s *SQLiteStore) SetCooldown(key string, sentAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_cooldowns (dedup_key, sent_at) VALUES (?, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET sent_at = excluded.sent_at
	`, key, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}

	s.mu.Lock()
	s.cooldowns[key] = sentAt
	s.mu.Unlock()
	return nil
}
