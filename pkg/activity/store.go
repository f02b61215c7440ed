package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/flashio/pkg/dbtx"
)

// Store provides durable persistence for Activities.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates an activity Store backed by the given database connection.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const activityColumns = `id, sku_id, name, total_stock, per_user_limit, start_ts, end_ts, status, created_at, updated_at`

func scanActivity(row pgx.Row) (Activity, error) {
	var a Activity
	err := row.Scan(&a.ID, &a.SKUID, &a.Name, &a.TotalStock, &a.PerUserLimit, &a.StartTS, &a.EndTS, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// Create inserts a new Activity in NotStarted status.
func (s *Store) Create(ctx context.Context, p CreateParams) (Activity, error) {
	query := `INSERT INTO activities (sku_id, name, total_stock, per_user_limit, start_ts, end_ts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING ` + activityColumns

	row := s.db.QueryRow(ctx, query, p.SKUID, p.Name, p.TotalStock, p.PerUserLimit, p.StartTS, p.EndTS, StatusNotStarted)
	a, err := scanActivity(row)
	if err != nil {
		return Activity{}, fmt.Errorf("creating activity: %w", err)
	}
	return a, nil
}

// Get returns a single Activity by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE id = $1`
	a, err := scanActivity(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return Activity{}, fmt.Errorf("getting activity: %w", err)
	}
	return a, nil
}

// GetBySKU returns the most recent Activity for sku_id that has not yet
// ended (used by Manager.ObserveSoldOut to find the activity to end when
// its SKU sells out).
func (s *Store) GetBySKU(ctx context.Context, skuID string) (Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE sku_id = $1 AND status != $2 ORDER BY created_at DESC LIMIT 1`
	a, err := scanActivity(s.db.QueryRow(ctx, query, skuID, StatusEnded))
	if err != nil {
		return Activity{}, fmt.Errorf("getting activity by sku: %w", err)
	}
	return a, nil
}

// UpdateStatus transitions an Activity to newStatus, predicated on its
// current status matching expected (an optimistic transition guard, per
// spec §9's "explicit transaction scope" guidance). Returns false if the
// predicate did not match (already transitioned, e.g. concurrently).
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, expected, newStatus Status) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE activities SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		newStatus, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("updating activity status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueToStart returns NotStarted activities whose start_ts has passed.
func (s *Store) ListDueToStart(ctx context.Context) ([]Activity, error) {
	return s.list(ctx, `SELECT `+activityColumns+` FROM activities WHERE status = $1 AND start_ts <= now()`, StatusNotStarted)
}

// ListDueToEnd returns InProgress activities whose end_ts has passed.
func (s *Store) ListDueToEnd(ctx context.Context) ([]Activity, error) {
	return s.list(ctx, `SELECT `+activityColumns+` FROM activities WHERE status = $1 AND end_ts <= now()`, StatusInProgress)
}

// ListActive returns all InProgress activities (used by the Reconciler to
// know which SKUs to check).
func (s *Store) ListActive(ctx context.Context) ([]Activity, error) {
	return s.list(ctx, `SELECT `+activityColumns+` FROM activities WHERE status = $1`, StatusInProgress)
}

// ActiveSKU satisfies inventory.ActivityLookup: it reports the activity_id
// and per_user_limit of skuID's InProgress activity, or active=false if
// none is currently InProgress (spec §4.5's "deduct outside InProgress
// returns OutOfStock" rule).
func (s *Store) ActiveSKU(ctx context.Context, skuID string) (uuid.UUID, int64, bool, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE sku_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	a, err := scanActivity(s.db.QueryRow(ctx, query, skuID, StatusInProgress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.UUID{}, 0, false, nil
		}
		return uuid.UUID{}, 0, false, fmt.Errorf("looking up active sku %s: %w", skuID, err)
	}
	return a.ID, a.PerUserLimit, true, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Activity, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity rows: %w", err)
	}
	return out, nil
}
