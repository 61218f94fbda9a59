package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	pending   []OutboxRow
	published []int64
}

func (f *fakeSource) PendingOutbox(_ context.Context, limit int) ([]OutboxRow, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	return f.pending[:limit], nil
}

func (f *fakeSource) MarkPublished(_ context.Context, seqs []int64, _ time.Time) error {
	f.published = append(f.published, seqs...)
	return nil
}

type fakeProducer struct {
	keys    []string
	failKey string
}

func (f *fakeProducer) Produce(_ context.Context, key string, _ []byte) error {
	if key == f.failKey {
		return errors.New("broker unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerDrainPublishesInOrder(t *testing.T) {
	source := &fakeSource{pending: []OutboxRow{
		{Seq: 1, EntryID: "a", EntityID: "darta-1", Payload: []byte(`{}`)},
		{Seq: 2, EntryID: "b", EntityID: "darta-1", Payload: []byte(`{}`)},
		{Seq: 3, EntryID: "c", EntityID: "chalani-9", Payload: []byte(`{}`)},
	}}
	producer := &fakeProducer{}
	worker := NewWorker(source, producer, discardLogger(), time.Second)

	require.NoError(t, worker.drain(context.Background()))

	assert.Equal(t, []string{"darta-1", "darta-1", "chalani-9"}, producer.keys)
	assert.Equal(t, []int64{1, 2, 3}, source.published)
}

func TestWorkerDrainStopsAtFirstFailure(t *testing.T) {
	source := &fakeSource{pending: []OutboxRow{
		{Seq: 1, EntryID: "a", EntityID: "darta-1", Payload: []byte(`{}`)},
		{Seq: 2, EntryID: "b", EntityID: "darta-2", Payload: []byte(`{}`)},
		{Seq: 3, EntryID: "c", EntityID: "darta-3", Payload: []byte(`{}`)},
	}}
	producer := &fakeProducer{failKey: "darta-2"}
	worker := NewWorker(source, producer, discardLogger(), time.Second)

	require.NoError(t, worker.drain(context.Background()))

	// Only the rows before the failure are marked; the rest retry next tick.
	assert.Equal(t, []int64{1}, source.published)
	assert.Equal(t, []string{"darta-1"}, producer.keys)
}

func TestWorkerDrainNoPending(t *testing.T) {
	source := &fakeSource{}
	worker := NewWorker(source, &fakeProducer{}, discardLogger(), time.Second)
	require.NoError(t, worker.drain(context.Background()))
	assert.Empty(t, source.published)
}
