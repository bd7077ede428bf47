// ABOUTME: Tests for bearer-token extraction and the HTTP auth middleware
// ABOUTME: Uses httptest to exercise accepted and rejected requests

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr string
	}{
		{"Bearer abc", "abc", ""},
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer    ", "", "empty token"},
	}

	for _, tt := range tests {
		token, errMsg := ExtractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, "header %q", tt.header)
		assert.Equal(t, tt.wantErr, errMsg, "header %q", tt.header)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	var seen string
	handler := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		require.NotNil(t, authCtx)
		seen = authCtx.Username
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/dm/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "alice", seen)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	})
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(t.Context()))
}
