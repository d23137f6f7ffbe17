package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/valuation"
)

func newTestSQLite(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSnapshotHistory(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()

	latest, err := s.LatestSnapshot(ctx)
	if err != nil || latest != nil {
		t.Fatalf("empty LatestSnapshot() = %v, %v", latest, err)
	}

	base := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		snap := valuation.Snapshot{AsOf: base.Add(time.Duration(i) * time.Hour)}
		snap.Summary.TotalValue = float64(1000 * (i + 1))
		if err := s.SaveSnapshot(ctx, id, snap); err != nil {
			t.Fatal(err)
		}
	}

	latest, err = s.LatestSnapshot(ctx)
	if err != nil || latest == nil || latest.RunID != "c" || latest.Snapshot.Summary.TotalValue != 3000 {
		t.Fatalf("LatestSnapshot() = %+v, %v", latest, err)
	}

	records, err := s.ListSnapshots(ctx, SnapshotFilter{From: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].RunID != "c" || records[1].RunID != "b" {
		t.Errorf("ListSnapshots(from) = %+v", records)
	}

	if err := s.SaveSnapshot(ctx, "", valuation.Snapshot{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty run id: err = %v", err)
	}
}

func TestAlertLog(t *testing.T) {
	s, _ := newTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

	alerts := []models.Alert{
		{ID: "1", Rule: models.RulePriceSwing, Severity: models.SeverityMedium, Symbol: "AAPL", Market: models.MarketUSEquity, Value: 12.5, Threshold: 10, Message: "AAPL up 12.50%", CreatedAt: at},
		{ID: "2", Rule: models.RuleConcentration, Severity: models.SeverityHigh, Value: 45, Threshold: 30, Message: "concentrated", CreatedAt: at.Add(time.Minute)},
		{ID: "3", Rule: models.RulePriceSwing, Severity: models.SeverityLow, Symbol: "AAPL", Market: models.MarketUSEquity, Value: 6, Threshold: 5, Message: "AAPL up 6%", CreatedAt: at.Add(2 * time.Minute)},
	}
	for i, a := range alerts {
		if err := s.SaveAlert(ctx, a, i != 2); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.GetAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "3" || all[0].Delivered {
		t.Fatalf("GetAlerts() = %+v", all)
	}

	delivered, _ := s.GetAlerts(ctx, AlertFilter{Symbol: "aapl", DeliveredOnly: true})
	if len(delivered) != 1 || delivered[0].ID != "1" || delivered[0].Market != models.MarketUSEquity || delivered[0].Severity != models.SeverityMedium {
		t.Errorf("delivered AAPL alerts = %+v", delivered)
	}

	conc, _ := s.GetAlerts(ctx, AlertFilter{Rule: models.RuleConcentration})
	if len(conc) != 1 || conc[0].Symbol != "" || !conc[0].CreatedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("concentration alerts = %+v", conc)
	}

	if err := s.SaveAlert(ctx, models.Alert{Rule: models.RuleLowScore}, true); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("alert without id: err = %v", err)
	}
}

func TestCooldownSurvivesReopen(t *testing.T) {
	s, path := newTestSQLite(t)
	sent := time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC)

	if _, ok, err := s.GetCooldown("concentration"); ok || err != nil {
		t.Fatalf("unexpected cooldown: ok=%v err=%v", ok, err)
	}
	if err := s.SetCooldown("concentration", sent); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, ok, err := reopened.GetCooldown("concentration")
	if err != nil || !ok || !got.Equal(sent) {
		t.Errorf("GetCooldown() after reopen = %v, %v, %v", got, ok, err)
	}
}
