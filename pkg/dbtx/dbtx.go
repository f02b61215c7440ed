// Package dbtx defines the narrow database interface every store in this
// repository depends on, so a *pgxpool.Pool, a pgxpool.Conn, or a pgx.Tx can
// all be passed interchangeably — the same shape the teacher's generated
// db.DBTX interface took, hand-written here since we have no sqlc layer.
package dbtx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
