package amplitude

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dayArchive builds the provider's wire format for one day: a ZIP archive of
// gzip-compressed NDJSON entries.
func dayArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zipWriter := zip.NewWriter(&buf)

	for name, content := range entries {
		entry, err := zipWriter.Create(name)
		require.NoError(t, err)

		gzWriter := gzip.NewWriter(entry)
		_, err = gzWriter.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, gzWriter.Close())
	}

	require.NoError(t, zipWriter.Close())

	return buf.Bytes()
}

func testClientConfig(baseURL string) *Config {
	return &Config{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Web: Credentials{
			ClientID:  "web-id",
			SecretKey: "web-secret",
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExport_YieldsLinesInOrder(t *testing.T) {
	archive := dayArchive(t, map[string]string{
		"events.json.gz": "{\"uuid\":\"a\"}\n\n{\"uuid\":\"b\"}\n",
		"readme.txt":     "ignored, not gzip",
	})

	var (
		gotUser string
		gotPass string
		gotURL  string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotURL = r.URL.String()

		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	var lines []string

	err := client.Export(context.Background(), SourceWeb, day, day, func(line string) error {
		lines = append(lines, line)

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"{\"uuid\":\"a\"}", "{\"uuid\":\"b\"}"}, lines)
	assert.Equal(t, "web-id", gotUser)
	assert.Equal(t, "web-secret", gotPass)
	assert.Equal(t, "/export?end=20230501T23&start=20230501T00", gotURL)
}

func TestExport_WalksDayRange(t *testing.T) {
	archive := dayArchive(t, map[string]string{"events.json.gz": "{}\n"})

	var stamps []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, r.URL.Query().Get("start"))

		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), discardLogger())

	start := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 5, 3, 0, 0, 0, 0, time.UTC)

	err := client.Export(context.Background(), SourceWeb, start, end, func(string) error {
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"20230501T00", "20230502T00", "20230503T00"}, stamps)
}

func TestExport_FailedDayAbortsRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	err := client.Export(context.Background(), SourceWeb, day, day, func(string) error {
		t.Fatal("no lines expected for a failed day")

		return nil
	})
	require.ErrorIs(t, err, ErrExportFailed)
	assert.Contains(t, err.Error(), "20230501")
}

func TestExport_UnknownSource(t *testing.T) {
	client := NewClient(testClientConfig("http://unused"), discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	err := client.Export(context.Background(), Source("desktop"), day, day, func(string) error {
		return nil
	})
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestExport_MissingCredentials(t *testing.T) {
	cfg := testClientConfig("http://unused")
	client := NewClient(cfg, discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	err := client.Export(context.Background(), SourceMobile, day, day, func(string) error {
		return nil
	})
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestCredentialsFor(t *testing.T) {
	cfg := &Config{
		Web:    Credentials{ClientID: "w", SecretKey: "ws"},
		Mobile: Credentials{ClientID: "m", SecretKey: "ms"},
	}

	web, err := cfg.CredentialsFor(SourceWeb)
	require.NoError(t, err)
	assert.Equal(t, "w", web.ClientID)

	mobile, err := cfg.CredentialsFor(SourceMobile)
	require.NoError(t, err)
	assert.Equal(t, "ms", mobile.SecretKey)
}
