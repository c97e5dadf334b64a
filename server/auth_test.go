package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoTokenIsNoop(t *testing.T) {
	s := &Server{config: Config{}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/trim", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid token", "/fetch", "Bearer test-token-123", http.StatusOK},
		{"scheme is case insensitive", "/entries", "bearer test-token-123", http.StatusOK},
		{"wrong token", "/fetch", "Bearer wrong-token", http.StatusUnauthorized},
		{"missing header", "/stats", "", http.StatusUnauthorized},
		{"wrong scheme", "/trim", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty token", "/trim", "Bearer ", http.StatusUnauthorized},
		{"health is public", "/health", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
