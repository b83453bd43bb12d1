package amplitude

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrPackagingFailed is returned when the export archive cannot be written.
var ErrPackagingFailed = errors.New("export packaging failed")

// PackageExport downloads the day range for a source and packages every event
// line into a deflate-compressed ZIP archive holding one NDJSON entry named
// entryName. It returns the path of a persistent temporary file; removal is
// the caller's responsibility, typically scheduled after response delivery.
func PackageExport(
	ctx context.Context,
	client *Client,
	source Source,
	start, end time.Time,
	entryName string,
) (string, error) {
	ndjsonPath, err := writeNDJSON(ctx, client, source, start, end)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(ndjsonPath) }()

	return packageArchive(ndjsonPath, entryName)
}

// Package is the method form of PackageExport, letting callers depend on a
// narrow export interface instead of the concrete client.
func (c *Client) Package(
	ctx context.Context,
	source Source,
	start, end time.Time,
	entryName string,
) (string, error) {
	return PackageExport(ctx, c, source, start, end, entryName)
}

// writeNDJSON streams the export into a temporary newline-delimited file.
// Buffered writes keep the hot path off the syscall boundary; the buffer is
// flushed before the file is handed on.
func writeNDJSON(ctx context.Context, client *Client, source Source, start, end time.Time) (string, error) {
	tmp, err := os.CreateTemp("", "amplitude-export-*.ndjson")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	writer := bufio.NewWriter(tmp)

	writeLine := func(line string) error {
		if _, err := writer.WriteString(line); err != nil {
			return fmt.Errorf("%w: %w", ErrPackagingFailed, err)
		}

		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("%w: %w", ErrPackagingFailed, err)
		}

		return nil
	}

	if err := client.Export(ctx, source, start, end, writeLine); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", err
	}

	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	return tmp.Name(), nil
}

// packageArchive wraps one file into a single-entry ZIP archive.
func packageArchive(sourcePath, entryName string) (string, error) {
	source, err := os.Open(sourcePath) //nolint:gosec // path comes from os.CreateTemp above
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}
	defer func() { _ = source.Close() }()

	archive, err := os.CreateTemp("", "amplitude-export-*.zip")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	zipWriter := zip.NewWriter(archive)

	entry, err := zipWriter.Create(entryName)
	if err != nil {
		cleanupArchive(zipWriter, archive)

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	if _, err := io.Copy(entry, source); err != nil {
		cleanupArchive(zipWriter, archive)

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	if err := zipWriter.Close(); err != nil {
		_ = archive.Close()
		_ = os.Remove(archive.Name())

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	if err := archive.Close(); err != nil {
		_ = os.Remove(archive.Name())

		return "", fmt.Errorf("%w: %w", ErrPackagingFailed, err)
	}

	return archive.Name(), nil
}

func cleanupArchive(zipWriter *zip.Writer, archive *os.File) {
	_ = zipWriter.Close()
	_ = archive.Close()
	_ = os.Remove(archive.Name())
}
