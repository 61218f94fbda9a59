package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani/models"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/platform/sentinel"
	txcontext "dartachalani/pkg/platform/tx"
)

// Postgres persists chalani records. Mutations run in a single transaction
// that also carries the audit append and the idempotency claim, joined through
// the transaction in context.
type Postgres struct {
	pool  *pgxpool.Pool
	audit audit.Store
	idem  idempotency.Store
}

func NewPostgres(pool *pgxpool.Pool, auditStore audit.Store, idemStore idempotency.Store) *Postgres {
	return &Postgres{pool: pool, audit: auditStore, idem: idemStore}
}

const uniqueViolation = "23505"

const chalaniColumns = `
	id, scope, ward_id, fiscal_year, status, subject, body, template_id,
	linked_darta_id, recipient, required_signatory_ids, attachment_ids,
	number, formatted_number, allocation_id,
	dispatch_channel, tracking_id, courier_name,
	scheduled_dispatch_at, dispatched_at, delivered_at,
	supersedes_id, superseded_by_id, created_by, created_at, updated_at, version`

func (s *Postgres) Create(ctx context.Context, rec *models.Chalani, entry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		rec.Version = 1
		if err := insertChalani(ctx, tx, rec); err != nil {
			return err
		}
		return s.audit.Append(ctx, entry)
	})
}

// ApplyTransition updates the row only when the stored version still matches
// the one the caller read. Zero rows affected means either the record is gone
// or a concurrent writer won; the follow-up read disambiguates.
func (s *Postgres) ApplyTransition(ctx context.Context, rec *models.Chalani, entry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		if err := updateChalani(ctx, tx, rec); err != nil {
			return err
		}
		rec.Version++
		return s.audit.Append(ctx, entry)
	})
}

func (s *Postgres) Supersede(ctx context.Context, target *models.Chalani, targetEntry audit.Entry, successor *models.Chalani, successorEntry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		if err := updateChalani(ctx, tx, target); err != nil {
			return err
		}
		target.Version++
		successor.Version = 1
		if err := insertChalani(ctx, tx, successor); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, targetEntry); err != nil {
			return err
		}
		return s.audit.Append(ctx, successorEntry)
	})
}

func (s *Postgres) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(txcontext.WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertChalani(ctx context.Context, tx pgx.Tx, rec *models.Chalani) error {
	recipient, err := json.Marshal(rec.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO chalani_records (`+chalaniColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`, rec.ID.String(), string(rec.Scope), rec.WardID, rec.FiscalYear, string(rec.Status),
		rec.Subject, rec.Body, rec.TemplateID, rec.LinkedDartaID, recipient,
		rec.RequiredSignatoryIDs, rec.AttachmentIDs,
		rec.Number, nullableString(rec.FormattedNumber), nilIfEmptyAllocation(rec.AllocationID),
		nullableString(string(rec.Dispatch.Channel)), rec.Dispatch.TrackingID, rec.Dispatch.CourierName,
		rec.Dispatch.ScheduledDispatchAt, rec.Dispatch.DispatchedAt, rec.Dispatch.DeliveredAt,
		chalaniIDOrNil(rec.SupersedesID), chalaniIDOrNil(rec.SupersededByID),
		rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert chalani: %w", err)
	}
	return nil
}

func updateChalani(ctx context.Context, tx pgx.Tx, rec *models.Chalani) error {
	recipient, err := json.Marshal(rec.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE chalani_records SET
			status = $2, subject = $3, body = $4, recipient = $5,
			required_signatory_ids = $6, attachment_ids = $7,
			number = $8, formatted_number = $9, allocation_id = $10,
			dispatch_channel = $11, tracking_id = $12, courier_name = $13,
			scheduled_dispatch_at = $14, dispatched_at = $15, delivered_at = $16,
			supersedes_id = $17, superseded_by_id = $18,
			updated_at = $19, version = version + 1
		WHERE id = $1 AND version = $20
	`, rec.ID.String(), string(rec.Status), rec.Subject, rec.Body, recipient,
		rec.RequiredSignatoryIDs, rec.AttachmentIDs,
		rec.Number, nullableString(rec.FormattedNumber), nilIfEmptyAllocation(rec.AllocationID),
		nullableString(string(rec.Dispatch.Channel)), rec.Dispatch.TrackingID, rec.Dispatch.CourierName,
		rec.Dispatch.ScheduledDispatchAt, rec.Dispatch.DispatchedAt, rec.Dispatch.DeliveredAt,
		chalaniIDOrNil(rec.SupersedesID), chalaniIDOrNil(rec.SupersededByID),
		rec.UpdatedAt, rec.Version)
	if err != nil {
		return fmt.Errorf("update chalani: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chalani_records WHERE id = $1)`, rec.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("check chalani exists: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id domain.ChalaniID) (*models.Chalani, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chalaniColumns+` FROM chalani_records WHERE id = $1`, id.String())
	return scanChalani(row)
}

func (s *Postgres) GetByNumber(ctx context.Context, formattedNumber string) (*models.Chalani, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chalaniColumns+` FROM chalani_records WHERE formatted_number = $1`, formattedNumber)
	return scanChalani(row)
}

func (s *Postgres) List(ctx context.Context, filter models.ListFilter) ([]*models.Chalani, int, error) {
	where, args := filterClauses(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chalani_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chalani: %w", err)
	}

	query := `SELECT ` + chalaniColumns + ` FROM chalani_records` + where +
		` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(filter.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list chalani: %w", err)
	}
	defer rows.Close()

	var records []*models.Chalani
	for rows.Next() {
		rec, err := scanChalani(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context, filter models.ListFilter) (models.Stats, error) {
	where, args := filterClauses(filter)
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM chalani_records`+where+` GROUP BY status
	`, args...)
	if err != nil {
		return models.Stats{}, fmt.Errorf("chalani stats: %w", err)
	}
	defer rows.Close()

	stats := models.Stats{ByStatus: make(map[lifecycle.Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.Stats{}, fmt.Errorf("scan chalani stats: %w", err)
		}
		stats.ByStatus[lifecycle.Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func filterClauses(filter models.ListFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Scope != "" {
		add("scope", string(filter.Scope))
	}
	if filter.WardID != "" {
		add("ward_id", filter.WardID)
	}
	if filter.FiscalYear != "" {
		add("fiscal_year", filter.FiscalYear)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanChalani(row pgx.Row) (*models.Chalani, error) {
	var (
		rec          models.Chalani
		id           string
		scope        string
		status       string
		recipient    []byte
		formatted    *string
		allocationID *string
		channel      *string
		supersedes   *string
		supersededBy *string
	)
	if err := row.Scan(&id, &scope, &rec.WardID, &rec.FiscalYear, &status,
		&rec.Subject, &rec.Body, &rec.TemplateID, &rec.LinkedDartaID, &recipient,
		&rec.RequiredSignatoryIDs, &rec.AttachmentIDs,
		&rec.Number, &formatted, &allocationID,
		&channel, &rec.Dispatch.TrackingID, &rec.Dispatch.CourierName,
		&rec.Dispatch.ScheduledDispatchAt, &rec.Dispatch.DispatchedAt, &rec.Dispatch.DeliveredAt,
		&supersedes, &supersededBy,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan chalani: %w", err)
	}

	chalaniID, err := domain.ParseChalaniID(id)
	if err != nil {
		return nil, fmt.Errorf("parse chalani id: %w", err)
	}
	rec.ID = chalaniID
	rec.Scope = models.Scope(scope)
	rec.Status = lifecycle.Status(status)
	if len(recipient) > 0 {
		if err := json.Unmarshal(recipient, &rec.Recipient); err != nil {
			return nil, fmt.Errorf("unmarshal recipient: %w", err)
		}
	}
	if formatted != nil {
		rec.FormattedNumber = *formatted
	}
	if allocationID != nil {
		aid, err := domain.ParseAllocationID(*allocationID)
		if err != nil {
			return nil, fmt.Errorf("parse allocation id: %w", err)
		}
		rec.AllocationID = aid
	}
	if channel != nil {
		rec.Dispatch.Channel = models.DispatchChannel(*channel)
	}
	if rec.SupersedesID, err = parseOptionalChalaniID(supersedes); err != nil {
		return nil, err
	}
	if rec.SupersededByID, err = parseOptionalChalaniID(supersededBy); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseOptionalChalaniID(s *string) (*domain.ChalaniID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := domain.ParseChalaniID(*s)
	if err != nil {
		return nil, fmt.Errorf("parse chalani id: %w", err)
	}
	return &id, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfEmptyAllocation(id domain.AllocationID) *string {
	if id.IsNil() {
		return nil
	}
	s := id.String()
	return &s
}

func chalaniIDOrNil(id *domain.ChalaniID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
