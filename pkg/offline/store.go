package offline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists OfflineMessage rows. It holds a pool directly
// (rather than the narrower dbtx.DBTX) because InsertBatch needs a real
// transaction, the same reason escalation.Engine holds a *pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InsertBatch durably commits msgs in a single transaction, matching spec
// §4.11 step 3's "single partitioned-table transaction" requirement.
func (s *PostgresStore) InsertBatch(ctx context.Context, msgs []Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning offline message batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		_, err := tx.Exec(ctx,
			`INSERT INTO offline_messages (msg_id, user_id, sender_id, conv_id, conv_type, content, seq, ts, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)
			 ON CONFLICT (msg_id, user_id) DO NOTHING`,
			m.MsgID, m.UserID, m.SenderID, m.ConvID, m.ConvType, m.Content, m.Sequence, m.TS, m.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("inserting offline message %s for user %s: %w", m.MsgID, m.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing offline message batch: %w", err)
	}
	return nil
}

// DeleteExpiredBatch deletes up to limit rows past their expires_at, for
// the TTL sweeper. Returns the number of rows deleted.
func (s *PostgresStore) DeleteExpiredBatch(ctx context.Context, limit int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM offline_messages WHERE msg_id IN (
			SELECT msg_id FROM offline_messages WHERE expires_at < now() LIMIT $1
		)`,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired offline messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnread returns up to limit OfflineMessage rows for userID with
// sequence greater than afterSeq, ordered by seq ascending — the
// cursor-paginated unread listing of spec §6 P7.
func (s *PostgresStore) ListUnread(ctx context.Context, userID string, afterSeq int64, limit int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT msg_id, user_id, sender_id, conv_id, conv_type, content, seq, ts, created_at, expires_at
		 FROM offline_messages WHERE user_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		userID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unread offline messages for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.UserID, &m.SenderID, &m.ConvID, &m.ConvType, &m.Content, &m.Sequence, &m.TS, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning offline message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating offline message rows: %w", err)
	}
	return out, nil
}
