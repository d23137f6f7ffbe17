package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/models"
)

// CooldownStore persists when an alert key was last sent, so suppression
// survives restarts.
type CooldownStore interface {
	GetCooldown(key string) (time.Time, bool, error)
	SetCooldown(key string, sentAt time.Time) error
}

// AlertGate suppresses repeats of the same (rule, symbol) inside a cooldown
// window.
type AlertGate struct {
	window time.Duration
	store  CooldownStore
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewAlertGate creates a gate. store may be nil for in-memory only.
func NewAlertGate(window time.Duration, store CooldownStore, now func() time.Time, logger zerolog.Logger) *AlertGate {
	if now == nil {
		now = time.Now
	}
	return &AlertGate{
		window: window,
		store:  store,
		now:    now,
		logger: logger,
		sent:   make(map[string]time.Time),
	}
}

// Filter splits alerts into those to deliver and those suppressed, and
// records the delivered ones as sent.
func (g *AlertGate) Filter(alerts []models.Alert) (deliver, suppressed []models.Alert) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, a := range alerts {
		key := a.DedupKey()
		if last, ok := g.lastSent(key); ok && now.Sub(last) < g.window {
			suppressed = append(suppressed, a)
			continue
		}
		g.sent[key] = now
		if g.store != nil {
			if err := g.store.SetCooldown(key, now); err != nil {
				g.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist alert cooldown")
			}
		}
		deliver = append(deliver, a)
	}
	return deliver, suppressed
}

func (g *AlertGate) lastSent(key string) (time.Time, bool) {
	if t, ok := g.sent[key]; ok {
		return t, true
	}
	if g.store == nil {
		return time.Time{}, false
	}
	t, ok, err := g.store.GetCooldown(key)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("Failed to read alert cooldown")
		return time.Time{}, false
	}
	if ok {
		g.sent[key] = t
	}
	return t, ok
}
