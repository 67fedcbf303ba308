package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeys generates a signing key and serves its public half as a
// JWKS endpoint.
func testKeys(t *testing.T) (jwk.Key, *httptest.Server) {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return key, srv
}

func signToken(t *testing.T, key jwk.Key, mutate func(b *jwt.Builder)) string {
	t.Helper()

	b := jwt.NewBuilder().
		Subject("user-1").
		Claim("email", "user@example.com").
		Claim("name", "Test User").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestUserFromRequest(t *testing.T) {
	key, srv := testKeys(t)

	v, err := NewVerifier(srv.URL)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, nil))

	user, err := v.UserFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "Test User", user.Name)
}

func TestUserFromRequestRejections(t *testing.T) {
	key, srv := testKeys(t)

	v, err := NewVerifier(srv.URL)
	require.NoError(t, err)

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		_, err := v.UserFromRequest(req)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, key, func(b *jwt.Builder) {
			b.Expiration(time.Now().Add(-time.Hour))
		})
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := v.UserFromRequest(req)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, key, func(b *jwt.Builder) {
			b.Subject("")
		})
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := v.UserFromRequest(req)
		assert.Error(t, err)
	})

	t.Run("unknown signing key", func(t *testing.T) {
		raw, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		rogue, err := jwk.FromRaw(raw)
		require.NoError(t, err)
		require.NoError(t, rogue.Set(jwk.KeyIDKey, "rogue-key"))
		require.NoError(t, rogue.Set(jwk.AlgorithmKey, jwa.RS256))

		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, rogue, nil))
		_, err = v.UserFromRequest(req)
		assert.Error(t, err)
	})
}
