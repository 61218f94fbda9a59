package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		name string
		kind EntityKind
		from Status
		to   Status
		ok   bool
	}{
		{"chalani draft to review", KindChalani, ChalaniDraft, ChalaniPendingReview, true},
		{"chalani review back to draft", KindChalani, ChalaniPendingReview, ChalaniDraft, true},
		{"chalani approved skips reservation", KindChalani, ChalaniApproved, ChalaniRegistered, true},
		{"chalani registered straight to dispatch", KindChalani, ChalaniRegistered, ChalaniDispatched, true},
		{"chalani returned can be redispatched", KindChalani, ChalaniReturnedUndelivered, ChalaniDispatched, true},
		{"chalani draft cannot dispatch", KindChalani, ChalaniDraft, ChalaniDispatched, false},
		{"chalani delivered cannot revert", KindChalani, ChalaniDelivered, ChalaniDispatched, false},
		{"chalani closed is terminal", KindChalani, ChalaniClosed, ChalaniVoided, false},
		{"chalani voided is terminal", KindChalani, ChalaniVoided, ChalaniDraft, false},

		{"darta draft to review", KindDarta, DartaDraft, DartaPendingReview, true},
		{"darta classification skips reservation", KindDarta, DartaClassification, DartaRegistered, true},
		{"darta registered routes directly", KindDarta, DartaRegistered, DartaAssigned, true},
		{"darta archive then assignment", KindDarta, DartaDigitallyArchived, DartaAssigned, true},
		{"darta section review reassigns", KindDarta, DartaInReviewBySection, DartaAssigned, true},
		{"darta clarification returns to review", KindDarta, DartaNeedsClarification, DartaInReviewBySection, true},
		{"darta draft cannot jump to accepted", KindDarta, DartaDraft, DartaAccepted, false},
		{"darta closed is terminal", KindDarta, DartaClosed, DartaDraft, false},
		{"darta superseded is terminal", KindDarta, DartaSuperseded, DartaDraft, false},

		{"unknown kind refuses everything", EntityKind("LETTER"), DartaDraft, DartaPendingReview, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, CanTransition(tc.kind, tc.from, tc.to))
		})
	}
}

func TestEveryNonTerminalStatusCanBeVoided(t *testing.T) {
	for status := range chalaniTransitions {
		assert.True(t, CanTransition(KindChalani, status, ChalaniVoided), "chalani %s should allow voiding", status)
	}
	for status := range dartaTransitions {
		assert.True(t, CanTransition(KindDarta, status, DartaVoided), "darta %s should allow voiding", status)
	}
}

func TestSupersededIsNotATableEdge(t *testing.T) {
	// SUPERSEDED is only reachable through the supersede operation, never
	// through a plain transition.
	for status := range chalaniTransitions {
		assert.False(t, CanTransition(KindChalani, status, ChalaniSuperseded), "chalani %s must not supersede via the table", status)
	}
	for status := range dartaTransitions {
		assert.False(t, CanTransition(KindDarta, status, DartaSuperseded), "darta %s must not supersede via the table", status)
	}
}

func TestAssertTransition(t *testing.T) {
	t.Run("legal edge passes", func(t *testing.T) {
		require.NoError(t, AssertTransition(KindDarta, DartaDraft, DartaPendingReview))
	})

	t.Run("illegal edge reports the full attempt", func(t *testing.T) {
		err := AssertTransition(KindChalani, ChalaniDraft, ChalaniDispatched)
		require.Error(t, err)

		var bad *BadTransitionError
		require.ErrorAs(t, err, &bad)
		assert.Equal(t, KindChalani, bad.Kind)
		assert.Equal(t, ChalaniDraft, bad.From)
		assert.Equal(t, ChalaniDispatched, bad.To)
		assert.Contains(t, err.Error(), "DRAFT")
		assert.Contains(t, err.Error(), "DISPATCHED")
	})
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(KindChalani, ChalaniClosed))
	assert.True(t, IsTerminal(KindChalani, ChalaniVoided))
	assert.True(t, IsTerminal(KindChalani, ChalaniSuperseded))
	assert.False(t, IsTerminal(KindChalani, ChalaniDraft))
	assert.False(t, IsTerminal(KindChalani, ChalaniDispatched))

	assert.True(t, IsTerminal(KindDarta, DartaClosed))
	assert.False(t, IsTerminal(KindDarta, DartaAckReceived))
}
