package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
)

func newEntry(entityID, action string, from *lifecycle.Status, to lifecycle.Status, at time.Time) Entry {
	return Entry{
		ID:         domain.NewEntryID(),
		EntityKind: lifecycle.KindDarta,
		EntityID:   entityID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Actor:      "clerk-1",
		Timestamp:  at,
	}
}

func TestInMemoryAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	base := time.Now()

	draft := lifecycle.DartaDraft
	require.NoError(t, store.Append(ctx, newEntry("e1", ActionCreated, nil, lifecycle.DartaDraft, base)))
	require.NoError(t, store.Append(ctx, newEntry("e1", ActionSubmitted, &draft, lifecycle.DartaPendingReview, base.Add(time.Second))))
	require.NoError(t, store.Append(ctx, newEntry("e2", ActionCreated, nil, lifecycle.DartaDraft, base)))

	trail, err := store.ListByEntity(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ActionCreated, trail[0].Action)
	assert.Nil(t, trail[0].FromStatus)
	assert.Equal(t, ActionSubmitted, trail[1].Action)
	assert.Equal(t, lifecycle.DartaPendingReview, trail[1].ToStatus)

	other, err := store.ListByEntity(ctx, "e2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestListReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	require.NoError(t, store.Append(ctx, newEntry("e1", ActionCreated, nil, lifecycle.DartaDraft, time.Now())))

	trail, err := store.ListByEntity(ctx, "e1")
	require.NoError(t, err)
	trail[0].Action = "TAMPERED"

	again, err := store.ListByEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, again[0].Action)
}
