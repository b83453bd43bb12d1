package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/userprops-io/userprops/internal/amplitude"
	"github.com/userprops-io/userprops/internal/api/middleware"
)

type (
	// AmplitudeToS3Request selects a provider source and an inclusive day
	// range to export and upload.
	AmplitudeToS3Request struct {
		Source string `json:"source"`
		Start  string `json:"start"`
		End    string `json:"end"`
	}

	// AmplitudeToS3Response lists the uploaded archive keys.
	AmplitudeToS3Response struct {
		Status string   `json:"status"`
		Bucket string   `json:"bucket"`
		Keys   []string `json:"keys"`
	}

	// week identifies one ISO year/week bucket of days.
	week struct {
		year int
		week int
	}

	// weekRange is the first and last day of a week inside the requested
	// range.
	weekRange struct {
		id    week
		first time.Time
		last  time.Time
	}
)

// handleAmplitudeToS3 exports a provider day range grouped by ISO week and
// uploads one archive per week to object storage.
// POST /api/v1/etl/amplitude-to-s3
func (s *Server) handleAmplitudeToS3(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	req, start, end, problem := s.parseAmplitudeToS3Request(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	source := amplitude.Source(req.Source)
	keys := make([]string, 0)

	for _, wr := range groupDatesByWeek(start, end) {
		entryName := fmt.Sprintf("%d_week_%02d.ndjson", wr.id.year, wr.id.week)

		archivePath, err := s.exporter.Package(r.Context(), source, wr.first, wr.last, entryName)
		if err != nil {
			s.logger.Error("Export packaging failed",
				slog.String("correlation_id", correlationID),
				slog.String("source", req.Source),
				slog.Int("year", wr.id.year),
				slog.Int("week", wr.id.week),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, InternalServerError("Export packaging failed"))

			return
		}

		key := fmt.Sprintf("%s/%d_week_%02d.zip", req.Source, wr.id.year, wr.id.week)

		if err := s.uploadArchive(r, archivePath, key); err != nil {
			s.logger.Error("Archive upload failed",
				slog.String("correlation_id", correlationID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, InternalServerError("Archive upload failed"))

			return
		}

		keys = append(keys, key)
	}

	s.writeJSON(w, r, http.StatusOK, AmplitudeToS3Response{
		Status: "completed",
		Bucket: s.objects.Bucket(),
		Keys:   keys,
	})

	s.logger.Info("Amplitude export uploaded",
		slog.String("correlation_id", correlationID),
		slog.String("source", req.Source),
		slog.Int("weeks", len(keys)),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// uploadArchive reads a packaged temp archive, uploads it, and removes the
// temp file regardless of outcome.
func (s *Server) uploadArchive(r *http.Request, archivePath, key string) error {
	defer func() { _ = os.Remove(archivePath) }()

	data, err := os.ReadFile(archivePath) //nolint:gosec // path comes from os.CreateTemp
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	return s.objects.Put(r.Context(), key, data, "application/zip")
}

// parseAmplitudeToS3Request parses and validates the upload request body.
func (s *Server) parseAmplitudeToS3Request(
	r *http.Request,
) (*AmplitudeToS3Request, time.Time, time.Time, *ProblemDetail) {
	var zero time.Time

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, zero, zero, UnsupportedMediaType("Content-Type must be application/json")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil || len(body) == 0 {
		return nil, zero, zero, BadRequest("Request body is empty or unreadable")
	}

	var req AmplitudeToS3Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, zero, zero, BadRequest("Request body is not valid JSON")
	}

	start, end, problem := parseDayRange(req.Start, req.End)
	if problem != nil {
		return nil, zero, zero, problem
	}

	return &req, start, end, nil
}

// parseDayRange validates an inclusive start/end day pair.
func parseDayRange(rawStart, rawEnd string) (time.Time, time.Time, *ProblemDetail) {
	var zero time.Time

	start, err := time.Parse(dateLayout, rawStart)
	if err != nil {
		return zero, zero, BadRequest(fmt.Sprintf("start must be formatted as %s", dateLayout))
	}

	end, err := time.Parse(dateLayout, rawEnd)
	if err != nil {
		return zero, zero, BadRequest(fmt.Sprintf("end must be formatted as %s", dateLayout))
	}

	if end.Before(start) {
		return zero, zero, BadRequest("end must not be before start")
	}

	return start, end, nil
}

// groupDatesByWeek splits an inclusive day range into consecutive ISO week
// ranges. Partial first and last weeks keep the requested boundaries.
func groupDatesByWeek(start, end time.Time) []weekRange {
	var groups []weekRange

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		year, wk := day.ISOWeek()
		id := week{year: year, week: wk}

		if len(groups) > 0 && groups[len(groups)-1].id == id {
			groups[len(groups)-1].last = day

			continue
		}

		groups = append(groups, weekRange{id: id, first: day, last: day})
	}

	return groups
}
