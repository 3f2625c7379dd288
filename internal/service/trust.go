package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/trust"
	"github.com/loopsymphony/server/internal/middleware"
	"github.com/loopsymphony/server/internal/port/database"
)

// TrustTracker reads and folds trust metrics. Updates for the same
// (app, user) pair are serialized through a per-pair lock so concurrent
// terminal tasks never lose a read-modify-write.
type TrustTracker struct {
	store database.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTrustTracker creates a trust tracker over the store.
func NewTrustTracker(store database.Store) *TrustTracker {
	return &TrustTracker{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *TrustTracker) pairLock(ctx context.Context, userID string) *sync.Mutex {
	key := middleware.AppIDFromContext(ctx) + "/" + userID
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Metrics returns the user's trust metrics; a user with no history gets
// a zero record at level 0.
func (t *TrustTracker) Metrics(ctx context.Context, userID string) (*trust.Metrics, error) {
	return t.store.GetTrustMetrics(ctx, userID)
}

// EffectiveLevel resolves the trust level for a task: an explicit
// per-request preference wins, otherwise the stored level.
func (t *TrustTracker) EffectiveLevel(ctx context.Context, userID string, requested *int) (trust.Level, error) {
	if requested != nil {
		return trust.ParseLevel(*requested)
	}
	m, err := t.store.GetTrustMetrics(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.CurrentTrustLevel, nil
}

// RecordOutcome folds one terminal outcome into the user's metrics.
func (t *TrustTracker) RecordOutcome(ctx context.Context, userID string, outcome loop.Outcome) error {
	l := t.pairLock(ctx, userID)
	l.Lock()
	defer l.Unlock()

	m, err := t.store.GetTrustMetrics(ctx, userID)
	if err != nil {
		return fmt.Errorf("load trust metrics: %w", err)
	}
	m.RecordOutcome(outcome, time.Now().UTC())
	if err := t.store.UpsertTrustMetrics(ctx, m); err != nil {
		return fmt.Errorf("save trust metrics: %w", err)
	}
	return nil
}

// Suggestion returns a level-upgrade proposal, or nil when the user's
// record does not warrant one.
func (t *TrustTracker) Suggestion(ctx context.Context, userID string) (*trust.Suggestion, error) {
	m, err := t.store.GetTrustMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.UpgradeSuggestion(), nil
}

// SetLevel explicitly sets the user's trust level. Upgrades are only
// ever suggested, never applied automatically; this is the one place a
// level changes.
func (t *TrustTracker) SetLevel(ctx context.Context, userID string, level int) (trust.Level, error) {
	l, err := trust.ParseLevel(level)
	if err != nil {
		return 0, err
	}
	pl := t.pairLock(ctx, userID)
	pl.Lock()
	defer pl.Unlock()
	if err := t.store.SetTrustLevel(ctx, userID, l); err != nil {
		return 0, err
	}
	return l, nil
}
