package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndIssue(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")

	require.NoError(t, GenerateKeyPair(privatePath, publicPath))

	privateInfo, err := os.Stat(privatePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), privateInfo.Mode().Perm())

	issuer, err := NewTokenIssuer(privatePath)
	require.NoError(t, err)

	token, err := issuer.Issue("bob", []string{"web"}, 0)
	require.NoError(t, err)

	verifier, err := NewVerifier(publicPath, testLogger())
	require.NoError(t, err)

	ctx, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", ctx.Subject)
	assert.Equal(t, []string{"web"}, ctx.AllowedTags)
}

func TestGenerateKeyPairRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")

	require.NoError(t, GenerateKeyPair(privatePath, publicPath))
	assert.Error(t, GenerateKeyPair(privatePath, publicPath))
}

func TestNewTokenIssuerRejectsOpenPermissions(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")

	require.NoError(t, GenerateKeyPair(privatePath, publicPath))
	require.NoError(t, os.Chmod(privatePath, 0o644))

	_, err := NewTokenIssuer(privatePath)
	assert.ErrorIs(t, err, ErrKeyPermissions)

	// 0400 is acceptable alongside 0600
	require.NoError(t, os.Chmod(privatePath, 0o400))
	_, err = NewTokenIssuer(privatePath)
	assert.NoError(t, err)
}

func TestIssueDefaultLifetime(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")
	require.NoError(t, GenerateKeyPair(privatePath, publicPath))

	issuer, err := NewTokenIssuer(privatePath)
	require.NoError(t, err)

	token, err := issuer.Issue("carol", nil, 0)
	require.NoError(t, err)

	claims := &Claims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	assert.Equal(t, DefaultTokenLifetime, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	require.NotNil(t, claims.AllowedTags)
	assert.Empty(t, *claims.AllowedTags)
}

func TestIssueRequiresSubject(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")
	require.NoError(t, GenerateKeyPair(privatePath, publicPath))

	issuer, err := NewTokenIssuer(privatePath)
	require.NoError(t, err)

	_, err = issuer.Issue("", []string{"web"}, time.Hour)
	assert.Error(t, err)
}

func TestDiscoverClientToken(t *testing.T) {
	t.Run("env variable wins", func(t *testing.T) {
		t.Setenv(EnvClientJWT, "env-token")
		token, err := DiscoverClientToken()
		require.NoError(t, err)
		assert.Equal(t, "env-token", token)
	})

	t.Run("falls back to client.json", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv(EnvClientJWT, "")
		t.Setenv("HOME", home)

		require.NoError(t, os.MkdirAll(filepath.Join(home, ".mcp"), 0o755))
		require.NoError(t, os.WriteFile(
			filepath.Join(home, ".mcp", "client.json"),
			[]byte(`{"jwt":"file-token"}`), 0o600))

		token, err := DiscoverClientToken()
		require.NoError(t, err)
		assert.Equal(t, "file-token", token)
	})

	t.Run("nothing configured means development mode", func(t *testing.T) {
		t.Setenv(EnvClientJWT, "")
		t.Setenv("HOME", t.TempDir())

		token, err := DiscoverClientToken()
		require.NoError(t, err)
		assert.Empty(t, token)
	})
}
