package amplitude

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageExport_RoundTrip(t *testing.T) {
	archive := dayArchive(t, map[string]string{
		"events.json.gz": "{\"uuid\":\"a\"}\n{\"uuid\":\"b\"}\n",
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	path, err := PackageExport(context.Background(), client, SourceWeb, day, day, "web_2023_week_18.json")
	require.NoError(t, err)

	defer func() { _ = os.Remove(path) }()

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)

	defer func() { _ = reader.Close() }()

	require.Len(t, reader.File, 1)
	assert.Equal(t, "web_2023_week_18.json", reader.File[0].Name)

	entry, err := reader.File[0].Open()
	require.NoError(t, err)

	content, err := io.ReadAll(entry)
	require.NoError(t, err)
	require.NoError(t, entry.Close())

	assert.Equal(t, "{\"uuid\":\"a\"}\n{\"uuid\":\"b\"}\n", string(content))
}

func TestPackageExport_FailedExportLeavesNoArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), discardLogger())

	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	path, err := PackageExport(context.Background(), client, SourceWeb, day, day, "web.json")
	require.ErrorIs(t, err, ErrExportFailed)
	assert.Empty(t, path)
}
