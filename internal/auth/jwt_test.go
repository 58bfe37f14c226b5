package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

const testSecret = "test-secret-at-least-32-chars-long-for-security"

func TestTokenManager_GenerateAndVerify(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(testSecret, "desk-test", 15*time.Minute, nil)
	want := domain.Identity{ID: "agent-7", Name: "Ann", Role: "agent"}

	token, err := m.Generate(want)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTokenManager_Expired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := NewTokenManager(testSecret, "desk-test", time.Minute, clock)

	token, err := m.Generate(domain.Identity{ID: "u1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTokenManager_Rejects(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(testSecret, "desk-test", time.Minute, nil)
	other := NewTokenManager("another-secret-at-least-32-chars-long!!", "desk-test", time.Minute, nil)
	wrongIssuer := NewTokenManager(testSecret, "someone-else", time.Minute, nil)

	foreign, err := other.Generate(domain.Identity{ID: "u1"})
	require.NoError(t, err)
	issued, err := wrongIssuer.Generate(domain.Identity{ID: "u1"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", foreign},
		{"wrong issuer", issued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Verify(tt.token)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestTokenManager_GenerateRequiresID(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(testSecret, "desk-test", time.Minute, nil)
	_, err := m.Generate(domain.Identity{Name: "nobody"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
