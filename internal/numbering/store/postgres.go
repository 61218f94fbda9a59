package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dartachalani/internal/numbering/models"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/platform/sentinel"
)

// Postgres persists counters and allocations. The counter row is taken
// FOR UPDATE inside the allocation transaction, so concurrent allocators
// serialize on the row and issued numbers form a gapless sequence.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const uniqueViolation = "23505"

func (s *Postgres) AllocateNext(ctx context.Context, key models.CounterKey, digest string, build func(number int64) models.Allocation) (models.Allocation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Allocation{}, false, fmt.Errorf("begin allocate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if alloc, err := getAllocationByDigest(ctx, tx, digest); err == nil {
		return alloc, true, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return models.Allocation{}, false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO counters (scope, document_type, fiscal_year, ward_id, current_value, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, NOW(), NOW())
		ON CONFLICT (scope, document_type, fiscal_year, ward_id) DO NOTHING
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID); err != nil {
		return models.Allocation{}, false, fmt.Errorf("ensure counter: %w", err)
	}

	var locked bool
	if err := tx.QueryRow(ctx, `
		SELECT locked FROM counters
		WHERE scope = $1 AND document_type = $2 AND fiscal_year = $3 AND ward_id = $4
		FOR UPDATE
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID).Scan(&locked); err != nil {
		return models.Allocation{}, false, fmt.Errorf("lock counter row: %w", err)
	}
	if locked {
		return models.Allocation{}, false, sentinel.ErrLocked
	}

	var number int64
	if err := tx.QueryRow(ctx, `
		UPDATE counters SET current_value = current_value + 1, updated_at = NOW()
		WHERE scope = $1 AND document_type = $2 AND fiscal_year = $3 AND ward_id = $4
		RETURNING current_value
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID).Scan(&number); err != nil {
		return models.Allocation{}, false, fmt.Errorf("increment counter: %w", err)
	}

	alloc := build(number)
	if err := insertAllocation(ctx, tx, alloc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Another writer claimed the digest first; their allocation is
			// the result. The rolled-back increment never becomes visible.
			_ = tx.Rollback(ctx)
			replay, rerr := s.allocationByDigest(ctx, digest)
			if rerr != nil {
				return models.Allocation{}, false, rerr
			}
			return replay, true, nil
		}
		return models.Allocation{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Allocation{}, false, fmt.Errorf("commit allocate: %w", err)
	}
	return alloc, false, nil
}

func insertAllocation(ctx context.Context, tx pgx.Tx, alloc models.Allocation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO number_allocations
			(id, scope, document_type, fiscal_year, ward_id, number, formatted_number,
			 status, idempotency_digest, expires_at, void_reason,
			 committed_entity_id, committed_entity_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, alloc.ID.String(), string(alloc.Key.Scope), string(alloc.Key.DocumentType),
		alloc.Key.FiscalYear, alloc.Key.WardID, alloc.Number, alloc.FormattedNumber,
		string(alloc.Status), alloc.IdempotencyDigest, alloc.ExpiresAt, alloc.VoidReason,
		alloc.CommittedEntityID, alloc.CommittedEntityType, alloc.CreatedAt, alloc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

const allocationColumns = `
	id, scope, document_type, fiscal_year, ward_id, number, formatted_number,
	status, idempotency_digest, expires_at, void_reason,
	committed_entity_id, committed_entity_type, created_at, updated_at`

func scanAllocation(row pgx.Row) (models.Allocation, error) {
	var (
		alloc    models.Allocation
		id       string
		scope    string
		docType  string
		status   string
	)
	if err := row.Scan(&id, &scope, &docType, &alloc.Key.FiscalYear, &alloc.Key.WardID,
		&alloc.Number, &alloc.FormattedNumber, &status, &alloc.IdempotencyDigest,
		&alloc.ExpiresAt, &alloc.VoidReason, &alloc.CommittedEntityID,
		&alloc.CommittedEntityType, &alloc.CreatedAt, &alloc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Allocation{}, sentinel.ErrNotFound
		}
		return models.Allocation{}, fmt.Errorf("scan allocation: %w", err)
	}
	allocID, err := domain.ParseAllocationID(id)
	if err != nil {
		return models.Allocation{}, fmt.Errorf("parse allocation id: %w", err)
	}
	alloc.ID = allocID
	alloc.Key.Scope = models.Scope(scope)
	alloc.Key.DocumentType = models.DocumentType(docType)
	alloc.Status = models.AllocationStatus(status)
	return alloc, nil
}

func getAllocationByDigest(ctx context.Context, tx pgx.Tx, digest string) (models.Allocation, error) {
	row := tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM number_allocations WHERE idempotency_digest = $1`, digest)
	return scanAllocation(row)
}

func (s *Postgres) allocationByDigest(ctx context.Context, digest string) (models.Allocation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+allocationColumns+` FROM number_allocations WHERE idempotency_digest = $1`, digest)
	return scanAllocation(row)
}

func (s *Postgres) GetAllocation(ctx context.Context, id domain.AllocationID) (models.Allocation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+allocationColumns+` FROM number_allocations WHERE id = $1`, id.String())
	return scanAllocation(row)
}

// UpdateAllocation applies a status transition with a compare-and-set on the
// current status, keeping allocation transitions one-way under concurrency.
func (s *Postgres) UpdateAllocation(ctx context.Context, alloc models.Allocation, expect models.AllocationStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE number_allocations
		SET status = $2, expires_at = $3, void_reason = $4,
		    committed_entity_id = $5, committed_entity_type = $6, updated_at = $7
		WHERE id = $1 AND status = $8
	`, alloc.ID.String(), string(alloc.Status), alloc.ExpiresAt, alloc.VoidReason,
		alloc.CommittedEntityID, alloc.CommittedEntityType, alloc.UpdatedAt, string(expect))
	if err != nil {
		return fmt.Errorf("update allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAllocation(ctx, alloc.ID); errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *Postgres) GetCounter(ctx context.Context, key models.CounterKey) (models.Counter, error) {
	counter := models.Counter{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT current_value, locked, created_at, updated_at FROM counters
		WHERE scope = $1 AND document_type = $2 AND fiscal_year = $3 AND ward_id = $4
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID).
		Scan(&counter.CurrentValue, &counter.Locked, &counter.CreatedAt, &counter.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, sentinel.ErrNotFound
		}
		return models.Counter{}, fmt.Errorf("get counter: %w", err)
	}
	return counter, nil
}

func (s *Postgres) EnsureCounter(ctx context.Context, key models.CounterKey) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO counters (scope, document_type, fiscal_year, ward_id, current_value, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, FALSE, NOW(), NOW())
		ON CONFLICT (scope, document_type, fiscal_year, ward_id) DO NOTHING
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID)
	if err != nil {
		return false, fmt.Errorf("ensure counter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) SetCounterLock(ctx context.Context, key models.CounterKey, locked bool) error {
	if _, err := s.EnsureCounter(ctx, key); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE counters SET locked = $5, updated_at = NOW()
		WHERE scope = $1 AND document_type = $2 AND fiscal_year = $3 AND ward_id = $4
	`, string(key.Scope), string(key.DocumentType), key.FiscalYear, key.WardID, locked); err != nil {
		return fmt.Errorf("set counter lock: %w", err)
	}
	return nil
}

func (s *Postgres) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE number_allocations
		SET status = $1, expires_at = NULL, updated_at = $2
		WHERE status = $3 AND expires_at < $2
	`, string(models.AllocationExpired), now, string(models.AllocationProvisional))
	if err != nil {
		return 0, fmt.Errorf("expire allocations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
