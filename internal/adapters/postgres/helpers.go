package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx. Repositories
// accept an optional transaction; nil means "run against the pool".
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pick(pool *pgxpool.Pool, tx pgx.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return pool
}

// queryContext applies a per-concern query timeout when the statement runs on
// the pool. A caller-owned transaction keeps the caller's deadline.
func queryContext(ctx context.Context, tx pgx.Tx, scope func(context.Context) (context.Context, context.CancelFunc)) (context.Context, context.CancelFunc) {
	if tx != nil {
		return ctx, func() {}
	}
	return scope(ctx)
}

// isUniqueViolation reports whether err is a unique-constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
