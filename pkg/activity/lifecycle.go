package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Warmer is the subset of the Inventory Engine the Lifecycle Manager drives
// at activity start/end (spec §4.5).
type Warmer interface {
	Warmup(ctx context.Context, skuID string, total int64, force bool) error
	Teardown(ctx context.Context, skuID string) error
}

// Manager implements the Activity state machine:
//
//	NotStarted → InProgress on start_ts (auto) or manual start; warmup runs.
//	InProgress → Ended on end_ts, manual end, or remaining==0.
//	Ended is terminal for stock operations.
type Manager struct {
	store  *Store
	warmer Warmer
	logger *slog.Logger
}

// NewManager constructs a lifecycle Manager.
func NewManager(store *Store, warmer Warmer, logger *slog.Logger) *Manager {
	return &Manager{store: store, warmer: warmer, logger: logger}
}

// Start manually transitions an Activity from NotStarted to InProgress and
// warms up its stock cell. If the activity was already started by someone
// else (the predicate didn't match), Start does nothing and returns nil, for
// the caller to treat as already-done.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusNotStarted {
		return nil
	}

	ok, err := m.store.UpdateStatus(ctx, id, StatusNotStarted, StatusInProgress)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := m.warmer.Warmup(ctx, a.SKUID, a.TotalStock, false); err != nil {
		// Roll the status back; the activity is not actually sellable yet.
		if _, rbErr := m.store.UpdateStatus(ctx, id, StatusInProgress, StatusNotStarted); rbErr != nil {
			m.logger.Error("rolling back activity start after warmup failure", "activity_id", id, "error", rbErr)
		}
		return fmt.Errorf("warming up sku %s: %w", a.SKUID, err)
	}

	m.logger.Info("activity started", "activity_id", id, "sku_id", a.SKUID, "total_stock", a.TotalStock)
	return nil
}

// End manually transitions an Activity from InProgress to Ended. New deducts
// are rejected from the moment this call begins returning (spec §9 open
// question: in-flight deducts are neither fenced nor drained — they
// complete or roll back naturally).
func (m *Manager) End(ctx context.Context, id uuid.UUID) error {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusInProgress {
		return nil
	}

	ok, err := m.store.UpdateStatus(ctx, id, StatusInProgress, StatusEnded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := m.warmer.Teardown(ctx, a.SKUID); err != nil {
		m.logger.Error("tearing down sku after activity end", "activity_id", id, "sku_id", a.SKUID, "error", err)
	}

	m.logger.Info("activity ended", "activity_id", id, "sku_id", a.SKUID)
	return nil
}

// ObserveSoldOut is called by the Inventory Engine when a deduct observes
// remaining==0, and ends the activity early per spec §4.5.
func (m *Manager) ObserveSoldOut(ctx context.Context, skuID string) error {
	a, err := m.store.GetBySKU(ctx, skuID)
	if err != nil {
		return err
	}
	return m.End(ctx, a.ID)
}

// RunLoop periodically auto-starts and auto-ends activities whose start_ts
// / end_ts have passed, the explicit-scheduler-goroutine idiom spec §9
// calls for in place of annotation-driven scheduled tasks.
func (m *Manager) RunLoop(ctx context.Context, interval time.Duration) {
	m.logger.Info("lifecycle manager loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle manager loop stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	due, err := m.store.ListDueToStart(ctx)
	if err != nil {
		m.logger.Error("listing activities due to start", "error", err)
	}
	for _, a := range due {
		if err := m.Start(ctx, a.ID); err != nil {
			m.logger.Error("auto-starting activity", "activity_id", a.ID, "error", err)
		}
	}

	ended, err := m.store.ListDueToEnd(ctx)
	if err != nil {
		m.logger.Error("listing activities due to end", "error", err)
	}
	for _, a := range ended {
		if err := m.End(ctx, a.ID); err != nil {
			m.logger.Error("auto-ending activity", "activity_id", a.ID, "error", err)
		}
	}
}
