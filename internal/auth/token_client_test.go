package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/accounts/google/token", r.URL.Path)
		assert.Equal(t, "Bearer cred-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"expires_at":    int64(1756204800),
		})
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL)
	tok, err := client.GetToken(context.Background(), "cred-1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-123", tok.AccessToken)
	assert.Equal(t, "rt-456", tok.RefreshToken)
	assert.Equal(t, int64(1756204800), tok.Expiry.Unix())
}

func TestGetTokenErrors(t *testing.T) {
	cases := []struct {
		name         string
		status       int
		unauthorized bool
	}{
		{"rejected credential", http.StatusUnauthorized, true},
		{"forbidden credential", http.StatusForbidden, true},
		{"account not connected", http.StatusNotFound, true},
		{"auth service down", http.StatusInternalServerError, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			client := NewTokenClient(srv.URL)
			_, err := client.GetToken(context.Background(), "cred-1", ProviderMicrosoft)
			require.Error(t, err)
			assert.Equal(t, tc.unauthorized, errors.Is(err, ErrUnauthorized))
		})
	}
}
