package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dartachalani/internal/lifecycle"
	txcontext "dartachalani/pkg/platform/tx"
)

// Postgres persists audit entries and, in the same transaction, writes an
// outbox row for the Kafka publisher. The table is append-only: there is no
// update or delete path through this store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.pool
}

// outboxPayload is the JSON structure published to Kafka.
type outboxPayload struct {
	ID         string            `json:"id"`
	EntityKind string            `json:"entity_kind"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	FromStatus string            `json:"from_status,omitempty"`
	ToStatus   string            `json:"to_status"`
	Actor      string            `json:"actor"`
	Timestamp  string            `json:"timestamp"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Postgres) Append(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	var from *string
	if entry.FromStatus != nil {
		v := string(*entry.FromStatus)
		from = &v
	}
	q := s.q(ctx)
	if _, err := q.Exec(ctx, `
		INSERT INTO audit_entries (id, entity_kind, entity_id, action, from_status, to_status, actor, occurred_at, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID.String(), string(entry.EntityKind), entry.EntityID, entry.Action,
		from, string(entry.ToStatus), entry.Actor, entry.Timestamp, entry.Reason, metadata); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	payload := outboxPayload{
		ID:         entry.ID.String(),
		EntityKind: string(entry.EntityKind),
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		ToStatus:   string(entry.ToStatus),
		Actor:      entry.Actor,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Reason:     entry.Reason,
		Metadata:   entry.Metadata,
	}
	if entry.FromStatus != nil {
		payload.FromStatus = string(*entry.FromStatus)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO audit_outbox (entry_id, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, entry.ID.String(), entry.EntityID, body, entry.Timestamp); err != nil {
		return fmt.Errorf("append audit outbox: %w", err)
	}
	return nil
}

func (s *Postgres) ListByEntity(ctx context.Context, entityID string) ([]Entry, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, entity_kind, entity_id, action, from_status, to_status, actor, occurred_at, reason, metadata
		FROM audit_entries
		WHERE entity_id = $1
		ORDER BY seq ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry    Entry
		id       string
		kind     string
		from     *string
		to       string
		metadata []byte
	)
	if err := row.Scan(&id, &kind, &entry.EntityID, &entry.Action, &from, &to,
		&entry.Actor, &entry.Timestamp, &entry.Reason, &metadata); err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	entryID, err := parseEntryID(id)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = entryID
	entry.EntityKind = lifecycle.EntityKind(kind)
	if from != nil {
		status := lifecycle.Status(*from)
		entry.FromStatus = &status
	}
	entry.ToStatus = lifecycle.Status(to)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	return entry, nil
}

// PendingOutbox returns unpublished outbox rows oldest first.
func (s *Postgres) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, entry_id, entity_id, payload
		FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var pending []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.Seq, &row.EntryID, &row.EntityID, &row.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		pending = append(pending, row)
	}
	return pending, rows.Err()
}

// MarkPublished stamps outbox rows after a successful Kafka produce.
func (s *Postgres) MarkPublished(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE audit_outbox SET published_at = $2 WHERE seq = ANY($1)
	`, seqs, at); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}
