package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogger_CapturesStatusAndSize(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := buf.String()

	if !strings.Contains(out, "Request completed") {
		t.Fatalf("expected completion log line, got: %s", out)
	}

	if !strings.Contains(out, `"status":404`) {
		t.Errorf("expected logged status 404, got: %s", out)
	}

	if !strings.Contains(out, `"bytes":7`) {
		t.Errorf("expected logged body size, got: %s", out)
	}

	if !strings.Contains(out, `"path":"/nope"`) {
		t.Errorf("expected logged path, got: %s", out)
	}
}

func TestRequestLogger_DefaultStatusIsOK(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if !strings.Contains(buf.String(), `"status":200`) {
		t.Errorf("expected implicit 200, got: %s", buf.String())
	}
}
