package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	issuer := NewJWTIssuer("app-1", "secret", 0)
	assert.Equal(t, DefaultCredentialTTL, issuer.TTL())

	token, err := issuer.Issue("room-7", 99)
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "app-1", claims.AppID)
	assert.Equal(t, "room-7", claims.Channel)
	assert.Equal(t, uint32(99), claims.UID)
	assert.Equal(t, RolePublisher, claims.Role)
	assert.Equal(t, DefaultCredentialTTL, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestIssueRequiresChannel(t *testing.T) {
	_, err := NewJWTIssuer("app", "secret", time.Minute).Issue("", 1)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	issuer := NewJWTIssuer("app", "secret", time.Minute)
	start := time.Now()
	issuer.now = func() time.Time { return start }
	token, err := issuer.Issue("room", 1)
	require.NoError(t, err)

	issuer.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = issuer.Parse(token)
	assert.Error(t, err)
}

func TestParseRejectsForeignKey(t *testing.T) {
	token, err := NewJWTIssuer("app", "one", time.Minute).Issue("room", 1)
	require.NoError(t, err)
	_, err = NewJWTIssuer("app", "two", time.Minute).Parse(token)
	assert.Error(t, err)
}

func TestParticipantUIDsDistinct(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, b := participantUIDs()
		assert.NotZero(t, a)
		assert.NotZero(t, b)
		assert.NotEqual(t, a, b)
	}
}
