//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dartachalani/internal/lifecycle"
	"dartachalani/pkg/domain"
	"dartachalani/pkg/testutil/containers"
)

// PostgresAuditSuite runs the append-only store against a real Postgres so
// the insertion-order read path and the outbox round-trip are exercised, not
// simulated.
type PostgresAuditSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Postgres
	ctx   context.Context
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.ctx = context.Background()
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "audit_outbox", "audit_entries"))
	s.store = NewPostgres(s.pg.Pool)
}

func (s *PostgresAuditSuite) entry(entityID, action string, from *lifecycle.Status, to lifecycle.Status, at time.Time) Entry {
	return Entry{
		ID:         domain.NewEntryID(),
		EntityKind: lifecycle.KindChalani,
		EntityID:   entityID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Actor:      "clerk-1",
		Timestamp:  at,
		Metadata:   map[string]string{"request_id": "req-1"},
	}
}

func (s *PostgresAuditSuite) TestAppendAndListByEntity() {
	// Identical timestamps force the ordering to come from insertion order,
	// not from occurred_at.
	at := time.Now().UTC().Truncate(time.Microsecond)
	draft := lifecycle.ChalaniDraft

	first := s.entry("chalani-1", ActionCreated, nil, lifecycle.ChalaniDraft, at)
	second := s.entry("chalani-1", ActionSubmitted, &draft, lifecycle.ChalaniPendingReview, at)
	other := s.entry("chalani-2", ActionCreated, nil, lifecycle.ChalaniDraft, at)

	s.Require().NoError(s.store.Append(s.ctx, first))
	s.Require().NoError(s.store.Append(s.ctx, other))
	s.Require().NoError(s.store.Append(s.ctx, second))

	trail, err := s.store.ListByEntity(s.ctx, "chalani-1")
	s.Require().NoError(err)
	s.Require().Len(trail, 2)

	s.Equal(first.ID, trail[0].ID)
	s.Nil(trail[0].FromStatus)
	s.Equal(lifecycle.ChalaniDraft, trail[0].ToStatus)

	s.Equal(second.ID, trail[1].ID)
	s.Require().NotNil(trail[1].FromStatus)
	s.Equal(lifecycle.ChalaniDraft, *trail[1].FromStatus)
	s.Equal(lifecycle.ChalaniPendingReview, trail[1].ToStatus)
	s.Equal("req-1", trail[1].Metadata["request_id"])
}

func (s *PostgresAuditSuite) TestListByEntityEmptyTrail() {
	trail, err := s.store.ListByEntity(s.ctx, "chalani-none")
	s.Require().NoError(err)
	s.Empty(trail)
}

func (s *PostgresAuditSuite) TestOutboxRoundTrip() {
	at := time.Now().UTC().Truncate(time.Microsecond)
	entry := s.entry("chalani-1", ActionCreated, nil, lifecycle.ChalaniDraft, at)
	s.Require().NoError(s.store.Append(s.ctx, entry))

	pending, err := s.store.PendingOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(entry.ID.String(), pending[0].EntryID)
	s.Equal("chalani-1", pending[0].EntityID)

	s.Require().NoError(s.store.MarkPublished(s.ctx, []int64{pending[0].Seq}, time.Now()))
	pending, err = s.store.PendingOutbox(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}
