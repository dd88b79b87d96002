package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	prev, had := os.LookupEnv("JWT_SECRET")
	require.NoError(t, os.Setenv("JWT_SECRET", value))
	t.Cleanup(func() {
		if had {
			os.Setenv("JWT_SECRET", prev)
		} else {
			os.Unsetenv("JWT_SECRET")
		}
	})
}

func TestNewJWTManager_RequiresSecret(t *testing.T) {
	prev, had := os.LookupEnv("JWT_SECRET")
	os.Unsetenv("JWT_SECRET")
	t.Cleanup(func() {
		if had {
			os.Setenv("JWT_SECRET", prev)
		}
	})

	_, err := NewJWTManager()
	assert.Error(t, err)
}

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")
	jm, err := NewJWTManager()
	require.NoError(t, err)

	token, err := jm.GenerateToken(context.Background(), "agent-a", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := jm.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", claims.Subject)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestJWTManager_ValidateToken_RejectsExpired(t *testing.T) {
	withSecret(t, "test-secret")
	jm, err := NewJWTManager()
	require.NoError(t, err)

	token, err := jm.GenerateToken(context.Background(), "agent-a", -time.Minute)
	require.NoError(t, err)

	_, err = jm.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestJWTManager_ValidateToken_RejectsWrongSecret(t *testing.T) {
	withSecret(t, "secret-one")
	jm1, err := NewJWTManager()
	require.NoError(t, err)
	token, err := jm1.GenerateToken(context.Background(), "agent-a", time.Hour)
	require.NoError(t, err)

	withSecret(t, "secret-two")
	jm2, err := NewJWTManager()
	require.NoError(t, err)

	_, err = jm2.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestJWTManager_RotateSigningKey(t *testing.T) {
	withSecret(t, "secret-one")
	jm, err := NewJWTManager()
	require.NoError(t, err)
	token, err := jm.GenerateToken(context.Background(), "agent-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, os.Setenv("JWT_SECRET", "secret-two"))
	require.NoError(t, jm.RotateSigningKey(context.Background()))

	_, err = jm.ValidateToken(context.Background(), token)
	assert.Error(t, err, "token signed with the old key must fail after rotation")
}
