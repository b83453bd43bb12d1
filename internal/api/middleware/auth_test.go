package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeyStore(t *testing.T, clientID, secret string) *EnvKeyStore {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}

	store, err := NewEnvKeyStore([]string{clientID + ":" + string(hash)})
	if err != nil {
		t.Fatalf("build key store: %v", err)
	}

	return store
}

func authProtectedHandler(t *testing.T, store KeyStore) http.Handler {
	t.Helper()

	return AuthenticateClient(store, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientCtx, ok := GetClientContext(r.Context())
			if !ok {
				t.Error("expected client context after authentication")
			}

			w.Header().Set("X-Client-ID", clientCtx.ClientID)
			w.WriteHeader(http.StatusOK)
		}),
	)
}

func TestAuthenticateClient_ValidKey(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)
	req.Header.Set("X-Api-Key", "airflow-etl.s3cret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	if got := rec.Header().Get("X-Client-ID"); got != "airflow-etl" {
		t.Errorf("expected client id airflow-etl, got %q", got)
	}
}

func TestAuthenticateClient_BearerFallback(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)
	req.Header.Set("Authorization", "Bearer airflow-etl.s3cret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateClient_MissingKey(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json content type, got %q", ct)
	}
}

func TestAuthenticateClient_WrongSecret(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)
	req.Header.Set("X-Api-Key", "airflow-etl.wrong")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateClient_UnknownClient(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)
	req.Header.Set("X-Api-Key", "intruder.s3cret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateClient_MalformedKey(t *testing.T) {
	handler := authProtectedHandler(t, testKeyStore(t, "airflow-etl", "s3cret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/etl/user-properties", nil)
	req.Header.Set("X-Api-Key", "no-dot-separator")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateClient_PublicEndpointBypass(t *testing.T) {
	RegisterPublicEndpoint("/health")

	handler := AuthenticateClient(testKeyStore(t, "airflow-etl", "s3cret"), testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 without credentials on public endpoint, got %d", rec.Code)
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantKey   string
		wantFound bool
	}{
		{"x-api-key", map[string]string{"X-Api-Key": "id.secret"}, "id.secret", true},
		{"bearer", map[string]string{"Authorization": "Bearer id.secret"}, "id.secret", true},
		{"x-api-key wins", map[string]string{
			"X-Api-Key":     "primary.key",
			"Authorization": "Bearer secondary.key",
		}, "primary.key", true},
		{"no headers", map[string]string{}, "", false},
		{"newline injection", map[string]string{"X-Api-Key": "id.secret\nX-Evil: 1"}, "", false},
		{"whitespace only", map[string]string{"X-Api-Key": "   "}, "", false},
		{"basic auth ignored", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			key, found := extractAPIKey(req)
			if found != tt.wantFound {
				t.Errorf("expected found=%v, got %v", tt.wantFound, found)
			}

			if key != tt.wantKey {
				t.Errorf("expected key %q, got %q", tt.wantKey, key)
			}
		})
	}
}

func TestNewEnvKeyStore_MalformedEntry(t *testing.T) {
	tests := []string{"no-colon", ":hash-only", "id-only:"}

	for _, entry := range tests {
		if _, err := NewEnvKeyStore([]string{entry}); err == nil {
			t.Errorf("expected error for entry %q", entry)
		}
	}
}

func TestNewEnvKeyStore_SkipsBlankEntries(t *testing.T) {
	store, err := NewEnvKeyStore([]string{"", "  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.Verify("anyone", "anything") {
		t.Error("empty store should verify nothing")
	}
}
