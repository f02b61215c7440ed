package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/flashio/pkg/dbtx"
)

// Store is the durable store for CounterSnapshot rows. Satisfies Snapshotter.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a conversation-snapshot Store.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

// InsertSnapshot appends a new (scope, conv_id, seq, ts) row. Snapshots are
// append-latest (spec §3): a reader always wants the most recent one, so no
// update-in-place is needed here.
func (s *Store) InsertSnapshot(ctx context.Context, scope Scope, convID string, seq int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO conversation_snapshots (scope, conv_id, seq, snapshot_ts) VALUES ($1, $2, $3, now())`,
		scope, convID, seq,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation snapshot for %s:%s: %w", scope, convID, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshotted seq for (scope,
// convID), or found=false if none exists yet.
func (s *Store) LatestSnapshot(ctx context.Context, scope Scope, convID string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRow(ctx,
		`SELECT seq FROM conversation_snapshots WHERE scope = $1 AND conv_id = $2 ORDER BY snapshot_ts DESC LIMIT 1`,
		scope, convID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("getting latest conversation snapshot for %s:%s: %w", scope, convID, err)
	}
	return seq, true, nil
}
