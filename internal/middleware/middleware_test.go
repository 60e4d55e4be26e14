package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserIDFromContext(r.Context())
		w.Write([]byte(id))
	})
}

func TestAuthMiddleware(t *testing.T) {
	good, err := SignToken(testSecret, "u1", time.Hour)
	require.NoError(t, err)
	expired, err := SignToken(testSecret, "u1", -time.Hour)
	require.NoError(t, err)
	foreign, err := SignToken("other-secret", "u1", time.Hour)
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	h := NewAuthMiddleware(NewHS256Validator(testSecret)).Handle(echoUser())

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantUser string
	}{
		{name: "bearer header", header: "Bearer " + good, wantCode: http.StatusOK, wantUser: "u1"},
		{name: "lowercase scheme", header: "bearer " + good, wantCode: http.StatusOK, wantUser: "u1"},
		{name: "query fallback", query: "?token=" + good, wantCode: http.StatusOK, wantUser: "u1"},
		{name: "missing", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + good, wantCode: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantCode: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, wantCode: http.StatusUnauthorized},
		{name: "no user claim", header: "Bearer " + noUser, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantUser, rec.Body.String())
			}
		})
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := UserIDFromContext(req.Context())
	assert.False(t, ok)
}

func TestOriginFilter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := OriginFilter([]string{"http://localhost:3000"})(next)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantCode   int
		wantHeader string
	}{
		{name: "no origin", method: http.MethodGet, wantCode: http.StatusTeapot},
		{name: "allowed", method: http.MethodGet, origin: "http://localhost:3000", wantCode: http.StatusTeapot, wantHeader: "http://localhost:3000"},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:3000", wantCode: http.StatusNoContent, wantHeader: "http://localhost:3000"},
		{name: "foreign", method: http.MethodGet, origin: "http://evil.example", wantCode: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chats", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantHeader, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestOriginAllowed_Wildcard(t *testing.T) {
	assert.True(t, OriginAllowed([]string{"*"}, "http://anything.example"))
	assert.False(t, OriginAllowed(nil, "http://anything.example"))
}
