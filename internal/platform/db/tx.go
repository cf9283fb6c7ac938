package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type txKey struct{}

// WithTx returns a context carrying an open transaction. Repositories resolve
// their connection through ConnFromContext, so every statement issued with the
// returned context joins tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// ConnFromContext returns the transaction stored in ctx, or nil.
func ConnFromContext(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// TxManager runs units of work in a single database transaction.
type TxManager struct {
	db DB
}

func NewTxManager(db DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTx begins a transaction, runs fn with a context carrying it and commits
// when fn returns nil. Any error from fn rolls the transaction back and is
// returned unchanged. A context that already carries a transaction is reused,
// so nested calls join the outer unit of work.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ConnFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique_violation and
// returns the name of the violated constraint.
func IsUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// IsNoRows reports whether err means a query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
