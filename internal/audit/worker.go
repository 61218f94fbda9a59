package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dartachalani/pkg/domain"
)

// OutboxRow is one unpublished audit event awaiting delivery.
type OutboxRow struct {
	Seq      int64
	EntryID  string
	EntityID string
	Payload  []byte
}

// OutboxSource is the slice of the Postgres store the worker needs.
type OutboxSource interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, seqs []int64, at time.Time) error
}

// Producer delivers audit payloads to the event stream. Keyed by entity ID so
// a record's history stays ordered within a partition.
type Producer interface {
	Produce(ctx context.Context, key string, payload []byte) error
}

// Worker drains the audit outbox into Kafka. Publishing is at-least-once:
// rows are marked only after a successful produce, so consumers must
// de-duplicate on entry ID.
type Worker struct {
	source   OutboxSource
	producer Producer
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewWorker(source OutboxSource, producer Producer, logger *slog.Logger, interval time.Duration) *Worker {
	return &Worker{
		source:   source,
		producer: producer,
		logger:   logger,
		interval: interval,
		batch:    100,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				w.logger.ErrorContext(ctx, "audit outbox drain failed", "error", err)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	rows, err := w.source.PendingOutbox(ctx, w.batch)
	if err != nil {
		return err
	}
	published := make([]int64, 0, len(rows))
	for _, row := range rows {
		if err := w.producer.Produce(ctx, row.EntityID, row.Payload); err != nil {
			// Stop at the first failure to preserve per-entity ordering.
			w.logger.WarnContext(ctx, "audit publish failed, will retry",
				"entry_id", row.EntryID, "error", err)
			break
		}
		published = append(published, row.Seq)
	}
	if len(published) == 0 {
		return nil
	}
	return w.source.MarkPublished(ctx, published, time.Now())
}

func parseEntryID(s string) (domain.EntryID, error) {
	u, err := uuid.Parse(s)
	return domain.EntryID(u), err
}
