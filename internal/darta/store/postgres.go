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
	"dartachalani/internal/darta/models"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/platform/sentinel"
	txcontext "dartachalani/pkg/platform/tx"
)

// Postgres persists darta records. Mutations run in a single transaction that
// also carries the audit append and the idempotency claim, joined through the
// transaction in context.
type Postgres struct {
	pool  *pgxpool.Pool
	audit audit.Store
	idem  idempotency.Store
}

func NewPostgres(pool *pgxpool.Pool, auditStore audit.Store, idemStore idempotency.Store) *Postgres {
	return &Postgres{pool: pool, audit: auditStore, idem: idemStore}
}

const uniqueViolation = "23505"

const dartaColumns = `
	id, scope, ward_id, fiscal_year, status, subject, applicant, intake_channel,
	primary_document_id, annex_ids, priority, received_date,
	number, formatted_number, allocation_id, classification_code,
	organizational_unit_id, assignee_id, sla_deadline,
	scanned_document_id, metadata, archive_id, response_chalani_id,
	supersedes_id, superseded_by_id, created_by, created_at, updated_at, version`

func (s *Postgres) Create(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		rec.Version = 1
		if err := insertDarta(ctx, tx, rec); err != nil {
			return err
		}
		return s.audit.Append(ctx, entry)
	})
}

func (s *Postgres) ApplyTransition(ctx context.Context, rec *models.Darta, entry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		if err := updateDarta(ctx, tx, rec); err != nil {
			return err
		}
		rec.Version++
		return s.audit.Append(ctx, entry)
	})
}

func (s *Postgres) Supersede(ctx context.Context, target *models.Darta, targetEntry audit.Entry, successor *models.Darta, successorEntry audit.Entry, idem *idempotency.Record) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if idem != nil {
			if err := s.idem.Insert(ctx, *idem); err != nil {
				return err
			}
		}
		if err := updateDarta(ctx, tx, target); err != nil {
			return err
		}
		target.Version++
		successor.Version = 1
		if err := insertDarta(ctx, tx, successor); err != nil {
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

func insertDarta(ctx context.Context, tx pgx.Tx, rec *models.Darta) error {
	applicant, err := json.Marshal(rec.Applicant)
	if err != nil {
		return fmt.Errorf("marshal applicant: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO darta_records (`+dartaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`, rec.ID.String(), string(rec.Scope), rec.WardID, rec.FiscalYear, string(rec.Status),
		rec.Subject, applicant, string(rec.IntakeChannel),
		rec.PrimaryDocumentID, rec.AnnexIDs, string(rec.Priority), rec.ReceivedDate,
		rec.Number, nullableString(rec.FormattedNumber), nilIfEmptyAllocation(rec.AllocationID),
		rec.ClassificationCode,
		rec.Routing.OrganizationalUnitID, rec.Routing.AssigneeID, rec.Routing.SLADeadline,
		rec.ScannedDocumentID, metadata, rec.ArchiveID, rec.ResponseChalaniID,
		dartaIDOrNil(rec.SupersedesID), dartaIDOrNil(rec.SupersededByID),
		rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert darta: %w", err)
	}
	return nil
}

func updateDarta(ctx context.Context, tx pgx.Tx, rec *models.Darta) error {
	applicant, err := json.Marshal(rec.Applicant)
	if err != nil {
		return fmt.Errorf("marshal applicant: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE darta_records SET
			status = $2, subject = $3, applicant = $4, priority = $5,
			annex_ids = $6, number = $7, formatted_number = $8, allocation_id = $9,
			classification_code = $10,
			organizational_unit_id = $11, assignee_id = $12, sla_deadline = $13,
			scanned_document_id = $14, metadata = $15, archive_id = $16,
			response_chalani_id = $17, supersedes_id = $18, superseded_by_id = $19,
			updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $21
	`, rec.ID.String(), string(rec.Status), rec.Subject, applicant, string(rec.Priority),
		rec.AnnexIDs, rec.Number, nullableString(rec.FormattedNumber), nilIfEmptyAllocation(rec.AllocationID),
		rec.ClassificationCode,
		rec.Routing.OrganizationalUnitID, rec.Routing.AssigneeID, rec.Routing.SLADeadline,
		rec.ScannedDocumentID, metadata, rec.ArchiveID,
		rec.ResponseChalaniID, dartaIDOrNil(rec.SupersedesID), dartaIDOrNil(rec.SupersededByID),
		rec.UpdatedAt, rec.Version)
	if err != nil {
		return fmt.Errorf("update darta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM darta_records WHERE id = $1)`, rec.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("check darta exists: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id domain.DartaID) (*models.Darta, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dartaColumns+` FROM darta_records WHERE id = $1`, id.String())
	return scanDarta(row)
}

func (s *Postgres) GetByNumber(ctx context.Context, formattedNumber string) (*models.Darta, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dartaColumns+` FROM darta_records WHERE formatted_number = $1`, formattedNumber)
	return scanDarta(row)
}

func (s *Postgres) List(ctx context.Context, filter models.ListFilter) ([]*models.Darta, int, error) {
	where, args := filterClauses(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM darta_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count darta: %w", err)
	}

	query := `SELECT ` + dartaColumns + ` FROM darta_records` + where +
		` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(filter.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list darta: %w", err)
	}
	defer rows.Close()

	var records []*models.Darta
	for rows.Next() {
		rec, err := scanDarta(rows)
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
		SELECT status, COUNT(*) FROM darta_records`+where+` GROUP BY status
	`, args...)
	if err != nil {
		return models.Stats{}, fmt.Errorf("darta stats: %w", err)
	}
	defer rows.Close()

	stats := models.Stats{ByStatus: make(map[lifecycle.Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.Stats{}, fmt.Errorf("scan darta stats: %w", err)
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
	if filter.OrganizationalUnitID != "" {
		add("organizational_unit_id", filter.OrganizationalUnitID)
	}
	if filter.AssigneeID != "" {
		add("assignee_id", filter.AssigneeID)
	}
	if filter.Priority != "" {
		add("priority", string(filter.Priority))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanDarta(row pgx.Row) (*models.Darta, error) {
	var (
		rec          models.Darta
		id           string
		scope        string
		status       string
		applicant    []byte
		intake       string
		priority     string
		formatted    *string
		allocationID *string
		metadata     []byte
		supersedes   *string
		supersededBy *string
	)
	if err := row.Scan(&id, &scope, &rec.WardID, &rec.FiscalYear, &status,
		&rec.Subject, &applicant, &intake,
		&rec.PrimaryDocumentID, &rec.AnnexIDs, &priority, &rec.ReceivedDate,
		&rec.Number, &formatted, &allocationID, &rec.ClassificationCode,
		&rec.Routing.OrganizationalUnitID, &rec.Routing.AssigneeID, &rec.Routing.SLADeadline,
		&rec.ScannedDocumentID, &metadata, &rec.ArchiveID, &rec.ResponseChalaniID,
		&supersedes, &supersededBy,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan darta: %w", err)
	}

	dartaID, err := domain.ParseDartaID(id)
	if err != nil {
		return nil, fmt.Errorf("parse darta id: %w", err)
	}
	rec.ID = dartaID
	rec.Scope = models.Scope(scope)
	rec.Status = lifecycle.Status(status)
	rec.IntakeChannel = models.IntakeChannel(intake)
	rec.Priority = models.Priority(priority)
	if len(applicant) > 0 {
		if err := json.Unmarshal(applicant, &rec.Applicant); err != nil {
			return nil, fmt.Errorf("unmarshal applicant: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
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
	if rec.SupersedesID, err = parseOptionalDartaID(supersedes); err != nil {
		return nil, err
	}
	if rec.SupersededByID, err = parseOptionalDartaID(supersededBy); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseOptionalDartaID(s *string) (*domain.DartaID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := domain.ParseDartaID(*s)
	if err != nil {
		return nil, fmt.Errorf("parse darta id: %w", err)
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

func dartaIDOrNil(id *domain.DartaID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
