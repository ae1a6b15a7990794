// ABOUTME: Tests for the HTTP auth middleware
// ABOUTME: Covers required and optional modes with httptest recorders

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoIdentity writes the participant on the request context, or "anonymous".
func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(id.ParticipantID))
	})
}

func TestMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	good, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("alice", -time.Hour)
	require.NoError(t, err)

	handler := Middleware(verifier, nil)(echoIdentity())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer " + good, http.StatusOK, "alice"},
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty token", "Bearer ", http.StatusUnauthorized, "empty token"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestOptionalMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	good, err := verifier.Generate("bob", time.Hour)
	require.NoError(t, err)

	handler := OptionalMiddleware(verifier)(echoIdentity())

	for header, want := range map[string]string{
		"":                "anonymous",
		"Bearer garbage":  "anonymous",
		"Bearer " + good:  "bob",
		"Token something": "anonymous",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Body.String(), "header %q", header)
	}
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	ctx := WithIdentity(context.Background(), &Identity{ParticipantID: "alice"})
	id := FromContext(ctx)
	require.NotNil(t, id)
	assert.Equal(t, "alice", id.ParticipantID)
}
