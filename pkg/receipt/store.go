package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/flashio/pkg/dbtx"
)

// PostgresStore persists ReadReceipt rows. Satisfies Store.
type PostgresStore struct {
	db dbtx.DBTX
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db dbtx.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert inserts or no-ops a read receipt, idempotent on (msg_id, reader_id,
// device_id) per spec §4.12's "Idempotent by (msg_id, reader, device)".
func (s *PostgresStore) Upsert(ctx context.Context, msgID, readerID, deviceID string, readAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO read_receipts (msg_id, reader_id, device_id, read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (msg_id, reader_id, device_id) DO NOTHING`,
		msgID, readerID, deviceID, readAt,
	)
	if err != nil {
		return fmt.Errorf("upserting read receipt for msg %s reader %s device %s: %w", msgID, readerID, deviceID, err)
	}
	return nil
}
