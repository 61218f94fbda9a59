package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dartachalani/pkg/platform/sentinel"
	txcontext "dartachalani/pkg/platform/tx"
)

// Postgres persists the idempotency index. Insert joins the caller's
// transaction when one is carried in context, so the check-and-insert commits
// or aborts together with the mutation it protects.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.pool
}

func (s *Postgres) Get(ctx context.Context, digest string) (Record, error) {
	var rec Record
	err := s.q(ctx).QueryRow(ctx, `
		SELECT digest, operation, entity_id, created_at
		FROM idempotency_keys
		WHERE digest = $1
	`, digest).Scan(&rec.Digest, &rec.Operation, &rec.EntityID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, sentinel.ErrNotFound
		}
		return Record{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

func (s *Postgres) Insert(ctx context.Context, rec Record) error {
	tag, err := s.q(ctx).Exec(ctx, `
		INSERT INTO idempotency_keys (digest, operation, entity_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (digest) DO NOTHING
	`, rec.Digest, rec.Operation, rec.EntityID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}
