package reconciler

import (
	"context"
	"fmt"

	"github.com/wisbric/flashio/pkg/dbtx"
)

// Store is the durable store for ReconciliationLog rows.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a reconciliation log Store.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

// InsertReconciliationLog appends a row. Satisfies LogWriter.
func (s *Store) InsertReconciliationLog(ctx context.Context, l Log) error {
	discrepancies, err := discrepanciesJSON(l.Discrepancies)
	if err != nil {
		return fmt.Errorf("encoding discrepancies: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO reconciliation_log (sku_id, redis_stock, redis_sold, durable_order_count, discrepancies, status, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		l.SKUID, l.RedisStock, l.RedisSold, l.DurableOrderCount, discrepancies, l.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting reconciliation log for sku %s: %w", l.SKUID, err)
	}
	return nil
}
