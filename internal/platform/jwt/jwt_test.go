package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "dartachalani/pkg/domain-errors"
)

func newService() *Service {
	return NewService("test-signing-key", "dartachalani", "dartachalani-api")
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newService()
	token, err := svc.GenerateToken("clerk-1", []string{"registrar", "approver"}, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "clerk-1", claims.ActorID)
	assert.Equal(t, []string{"registrar", "approver"}, claims.Roles)
	assert.Equal(t, "dartachalani", claims.Issuer)
}

func TestRolesAreNormalized(t *testing.T) {
	svc := newService()
	token, err := svc.GenerateToken("clerk-1", []string{" Registrar ", "REGISTRAR", "Approver"}, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"registrar", "approver"}, claims.Roles)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	svc := newService()
	token, err := svc.GenerateToken("clerk-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func TestWrongKeyIsRejected(t *testing.T) {
	token, err := newService().GenerateToken("clerk-1", nil, time.Hour)
	require.NoError(t, err)

	other := NewService("a-different-key", "dartachalani", "dartachalani-api")
	_, err = other.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestGarbageTokenIsRejected(t *testing.T) {
	_, err := newService().ValidateToken("not.a.token")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
