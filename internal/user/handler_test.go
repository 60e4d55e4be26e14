package user

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", NewHandler(s, discardLogger()).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UpsertGetSearch(t *testing.T) {
	s, _ := newTestService(t)
	router := newTestRouter(s)

	rec := do(t, router, http.MethodPost, "/api/users", `{"id":"u1","username":"alice","displayName":"Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/users/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var u User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "Alice", u.DisplayName)

	rec = do(t, router, http.MethodGet, "/api/users/search?q=ali", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var found []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "u1", found[0].ID)
}

func TestHandler_Errors(t *testing.T) {
	s, _ := newTestService(t)
	router := newTestRouter(s)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing user", http.MethodGet, "/api/users/nope", "", http.StatusNotFound},
		{"empty search", http.MethodGet, "/api/users/search", "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/users", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/users", `{"id":"u1","username":"a","displayName":"A","password":"x"}`, http.StatusBadRequest},
		{"invalid profile", http.MethodPost, "/api/users", `{"id":"u1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
