package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/types"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *time.Time) {
	t.Helper()
	a, err := NewAuthenticator(config.SecurityConfig{
		SigningKey: "test-signing-key",
		Issuer:     "taskmesh",
		Audience:   "taskmesh",
		TokenTTL:   time.Hour,
	}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestNewAuthenticatorRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewAuthenticator(config.SecurityConfig{}, nil)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestAuthenticateAndVerify(t *testing.T) {
	t.Parallel()
	a, now := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret", "dispatch", "mesh")

	creds, err := a.Authenticate("agent-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), creds.ExpiresAt)
	assert.Equal(t, []string{"dispatch", "mesh"}, creds.Scopes)

	principal, err := a.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", principal.AgentID)
	assert.True(t, principal.HasScope("dispatch"))
	assert.False(t, principal.HasScope("admin"))
}

func TestAuthenticateRejectsBadSecret(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret")

	_, err := a.Authenticate("agent-1", "wrong")
	assert.True(t, types.IsCode(err, types.ErrAuthentication))

	// Unknown agents fail identically.
	_, err = a.Authenticate("ghost", "s3cret")
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	a, now := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret")

	creds, err := a.Authenticate("agent-1", "s3cret")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = a.Verify(creds.Token)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuthenticator(t)

	other, err := NewAuthenticator(config.SecurityConfig{
		SigningKey: "test-signing-key",
		Issuer:     "someone-else",
		Audience:   "taskmesh",
		TokenTTL:   time.Hour,
	}, nil)
	require.NoError(t, err)
	other.Register("agent-1", "s3cret")

	creds, err := other.Authenticate("agent-1", "s3cret")
	require.NoError(t, err)

	_, err = a.Verify(creds.Token)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret")

	creds, err := a.Authenticate("agent-1", "s3cret")
	require.NoError(t, err)

	tampered := creds.Token[:len(creds.Token)-2] + "xx"
	_, err = a.Verify(tampered)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestAuthorizeScopeCheck(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret", "dispatch")

	creds, err := a.Authenticate("agent-1", "s3cret")
	require.NoError(t, err)

	principal, err := a.Authorize(creds.Token, "dispatch")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", principal.AgentID)

	_, err = a.Authorize(creds.Token, "admin")
	assert.True(t, types.IsCode(err, types.ErrAuthorization))
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuthenticator(t)
	a.Register("agent-1", "s3cret")
	a.Revoke("agent-1")

	_, err := a.Authenticate("agent-1", "s3cret")
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}
