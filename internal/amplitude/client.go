package amplitude

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for export downloads.
var (
	// ErrExportFailed is returned when a day's export cannot be fetched or
	// unpacked. Any day failing aborts the whole range.
	ErrExportFailed = errors.New("amplitude export failed")
)

// scannerBufferSize accommodates single event lines of up to 10 MiB.
const scannerBufferSize = 10 * 1024 * 1024

// LineFunc receives one non-blank NDJSON line. Returning an error stops the
// export.
type LineFunc func(line string) error

// Client downloads day-granularity event archives from the provider.
type Client struct {
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "amplitude")),
	}
}

// Export streams every event line for the inclusive day range [start, end].
// Days are fetched in ascending order; a failure on any day aborts the whole
// sequence, no partial skipping. Each day arrives as a ZIP archive of
// GZIP-compressed NDJSON entries.
func (c *Client) Export(ctx context.Context, source Source, start, end time.Time, fn LineFunc) error {
	creds, err := c.config.CredentialsFor(source)
	if err != nil {
		return err
	}

	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end.UTC()); day = day.Add(24 * time.Hour) {
		if err := c.exportDay(ctx, creds, day, fn); err != nil {
			return err
		}
	}

	return nil
}

// exportDay fetches one day window (hours 00 through 23) and yields its
// lines.
func (c *Client) exportDay(ctx context.Context, creds Credentials, day time.Time, fn LineFunc) error {
	stamp := day.Format("20060102")
	query := url.Values{
		"start": {stamp + "T00"},
		"end":   {stamp + "T23"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/export?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: day %s: %w", ErrExportFailed, stamp, err)
	}

	req.SetBasicAuth(creds.ClientID, creds.SecretKey)

	c.logger.Info("fetching export day", slog.String("day", stamp))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: day %s: %w", ErrExportFailed, stamp, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: day %s: unexpected status %d", ErrExportFailed, stamp, resp.StatusCode)
	}

	// The ZIP directory sits at the end of the stream, so the whole body is
	// buffered before unpacking.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: day %s: %w", ErrExportFailed, stamp, err)
	}

	return c.unpackArchive(body, stamp, fn)
}

func (c *Client) unpackArchive(body []byte, stamp string, fn LineFunc) error {
	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("%w: day %s: %w", ErrExportFailed, stamp, err)
	}

	for _, entry := range archive.File {
		if !strings.HasSuffix(entry.Name, ".gz") {
			continue
		}

		if err := c.yieldEntryLines(entry, stamp, fn); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) yieldEntryLines(entry *zip.File, stamp string, fn LineFunc) error {
	compressed, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: day %s: entry %s: %w", ErrExportFailed, stamp, entry.Name, err)
	}
	defer func() { _ = compressed.Close() }()

	reader, err := gzip.NewReader(compressed)
	if err != nil {
		return fmt.Errorf("%w: day %s: entry %s: %w", ErrExportFailed, stamp, entry.Name, err)
	}
	defer func() { _ = reader.Close() }()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := fn(line); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: day %s: entry %s: %w", ErrExportFailed, stamp, entry.Name, err)
	}

	return nil
}
