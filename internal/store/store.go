// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"portfolio-engine/internal/models"
	"portfolio-engine/internal/valuation"
)

// HistoryStore persists valuation history, the alert log and alert cooldown
// state. It never holds ledger state; the JSONL journal is authoritative for that.
type HistoryStore interface {
	// Valuation snapshots
	SaveSnapshot(ctx context.Context, runID string, snap valuation.Snapshot) error
	LatestSnapshot(ctx context.Context) (*SnapshotRecord, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]SnapshotRecord, error)

	// Alerts
	SaveAlert(ctx context.Context, alert models.Alert, delivered bool) error
	GetAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)

	// Cooldowns
	GetCooldown(key string) (time.Time, bool, error)
	SetCooldown(key string, sentAt time.Time) error

	// Lifecycle
	Close() error
}

// SnapshotRecord is a stored valuation run.
type SnapshotRecord struct {
	RunID    string             `json:"run_id"`
	AsOf     time.Time          `json:"as_of"`
	Snapshot valuation.Snapshot `json:"snapshot"`
}

// SnapshotFilter represents filters for querying snapshot history.
type SnapshotFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// AlertRecord is a stored alert with its delivery outcome.
type AlertRecord struct {
	models.Alert
	Delivered bool `json:"delivered"`
}

// AlertFilter represents filters for querying the alert log.
type AlertFilter struct {
	Symbol        string
	Rule          models.AlertRule
	Since         time.Time
	DeliveredOnly bool
	Limit         int
}
