package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/userprops-io/userprops/internal/amplitude"
	"github.com/userprops-io/userprops/internal/etl"
)

type fakeRunner struct {
	archiveParams *etl.ArchiveParams
	stagingParams *etl.StagingParams
	result        *etl.Result
	err           error
}

func (f *fakeRunner) ProcessArchive(_ context.Context, params etl.ArchiveParams) (*etl.Result, error) {
	f.archiveParams = &params

	return f.result, f.err
}

func (f *fakeRunner) ProcessStaging(_ context.Context, params etl.StagingParams) (*etl.Result, error) {
	f.stagingParams = &params

	return f.result, f.err
}

type fakeExporter struct {
	calls []exportCall
	path  string
	err   error
}

type exportCall struct {
	source     amplitude.Source
	start, end time.Time
	entryName  string
}

func (f *fakeExporter) Package(
	_ context.Context, source amplitude.Source, start, end time.Time, entryName string,
) (string, error) {
	f.calls = append(f.calls, exportCall{source: source, start: start, end: end, entryName: entryName})

	return f.path, f.err
}

type fakeObjects struct {
	puts map[string][]byte
	err  error
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.err != nil {
		return f.err
	}

	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}

	f.puts[key] = data

	return nil
}

func (f *fakeObjects) Bucket() string { return "exports" }

type fakeHealth struct {
	err error
}

func (f *fakeHealth) HealthCheck(_ context.Context) error { return f.err }

func testServer(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()

	cfg := LoadServerConfig()
	server := NewServer(cfg, deps)
	server.startTime = time.Now()

	return server.httpServer.Handler
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func TestRunETL_ArchiveCompleted(t *testing.T) {
	line := 41
	runner := &fakeRunner{result: &etl.Result{
		Status:             etl.StatusCompleted,
		Processed:          42,
		LastSuccessfulLine: &line,
	}}
	handler := testServer(t, Dependencies{Runner: runner})

	rec := postJSON(t, handler, "/api/v1/etl/user-properties",
		`{"source":"s3","bucket":"archives","key":"events.ndjson","start_after":10}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if runner.archiveParams == nil {
		t.Fatal("expected ProcessArchive to be called")
	}

	if runner.archiveParams.Bucket != "archives" || runner.archiveParams.Key != "events.ndjson" {
		t.Errorf("unexpected archive params: %+v", runner.archiveParams)
	}

	if runner.archiveParams.StartAfter != 10 {
		t.Errorf("expected start_after 10, got %d", runner.archiveParams.StartAfter)
	}

	var result etl.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if result.Status != etl.StatusCompleted || result.Processed != 42 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRunETL_InterruptedIsStill200(t *testing.T) {
	failed := 7
	runner := &fakeRunner{result: &etl.Result{
		Status:       etl.StatusInterrupted,
		ErrorMessage: "'CompletelyNewKey' = x (Unknown key)",
		FailedLine:   &failed,
	}}
	handler := testServer(t, Dependencies{Runner: runner})

	rec := postJSON(t, handler, "/api/v1/etl/user-properties",
		`{"source":"s3","bucket":"archives","key":"events.ndjson"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for interrupted run, got %d", rec.Code)
	}

	var result etl.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if result.Status != etl.StatusInterrupted {
		t.Errorf("expected interrupted status, got %q", result.Status)
	}

	if result.FailedLine == nil || *result.FailedLine != 7 {
		t.Errorf("expected failed_line 7, got %+v", result.FailedLine)
	}
}

func TestRunETL_Staging(t *testing.T) {
	runner := &fakeRunner{result: &etl.Result{Status: etl.StatusCompleted}}
	handler := testServer(t, Dependencies{Runner: runner})

	rec := postJSON(t, handler, "/api/v1/etl/user-properties",
		`{"source":"tmp_table","start_date":"2023-05-01"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if runner.stagingParams == nil {
		t.Fatal("expected ProcessStaging to be called")
	}

	want := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	if !runner.stagingParams.StartDate.Equal(want) {
		t.Errorf("expected start date %v, got %v", want, runner.stagingParams.StartDate)
	}
}

func TestRunETL_SourceFailureIs500(t *testing.T) {
	runner := &fakeRunner{err: errors.New("s3 object missing")}
	handler := testServer(t, Dependencies{Runner: runner})

	rec := postJSON(t, handler, "/api/v1/etl/user-properties",
		`{"source":"s3","bucket":"archives","key":"missing.ndjson"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestRunETL_Validation(t *testing.T) {
	handler := testServer(t, Dependencies{Runner: &fakeRunner{result: &etl.Result{}}})

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"wrong content type", "text/plain", `{"source":"s3"}`, http.StatusUnsupportedMediaType},
		{"empty body", "application/json", "", http.StatusBadRequest},
		{"invalid json", "application/json", "{not json", http.StatusBadRequest},
		{"unknown source", "application/json", `{"source":"ftp"}`, http.StatusBadRequest},
		{"s3 missing key", "application/json", `{"source":"s3","bucket":"b"}`, http.StatusBadRequest},
		{"staging missing date", "application/json", `{"source":"tmp_table"}`, http.StatusBadRequest},
		{
			"staging bad date", "application/json",
			`{"source":"tmp_table","start_date":"01.05.2023"}`, http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(
				http.MethodPost, "/api/v1/etl/user-properties", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	handler := testServer(t, Dependencies{Warehouse: &fakeHealth{}})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("unexpected ping response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected ready 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected health 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}

	if health.ServiceName != "userprops" || health.Status != "healthy" {
		t.Errorf("unexpected health body: %+v", health)
	}
}

func TestReady_UnhealthyWarehouse(t *testing.T) {
	handler := testServer(t, Dependencies{Warehouse: &fakeHealth{err: errors.New("connection refused")}})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	handler := testServer(t, Dependencies{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}
