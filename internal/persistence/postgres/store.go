// Package postgres implements the record store gateway on PostgreSQL. Every statement runs in a
// transaction scoped to one tenant through app.tenant_id, so row level security applies, and
// completion events are written to the outbox inside the same transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/reconciliation/internal/domain"
)

const uniqueViolation = "23505"

// Store provides Postgres-backed persistence for every gateway interface.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// inTenantTx runs fn in a transaction with app.tenant_id set to tenantID. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) inTenantTx(ctx context.Context, tenantID string, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
			return fmt.Errorf("scope tenant: %w", err)
		}
		return fn(tx)
	})
}

// notFound maps a missing row to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullDate passes an empty day key as SQL NULL so optional range bounds can be written as
// ($n::date IS NULL OR ...).
func nullDate(day string) any {
	if day == "" {
		return nil
	}
	return day
}

// textArray never returns nil, so array parameters and NOT NULL array columns see '{}'.
func textArray[T ~string](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

// jsonList keeps empty lists as [] instead of null in jsonb columns.
func jsonList[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
