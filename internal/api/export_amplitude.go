package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/userprops-io/userprops/internal/amplitude"
	"github.com/userprops-io/userprops/internal/api/middleware"
)

// handleAmplitudeExport packages a provider day range and serves the archive
// as a download. The temp archive is removed after the response is written.
// GET /api/v1/amplitude/export?source=web&start=2023-05-01&end=2023-05-07
func (s *Server) handleAmplitudeExport(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	query := r.URL.Query()

	source := query.Get("source")
	if source == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("source query parameter is required"))

		return
	}

	start, end, problem := parseDayRange(query.Get("start"), query.Get("end"))
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	entryName := fmt.Sprintf("%s_%s_%s.ndjson",
		source, start.Format(dateLayout), end.Format(dateLayout))

	archivePath, err := s.exporter.Package(
		r.Context(), amplitude.Source(source), start, end, entryName)
	if err != nil {
		s.logger.Error("Export packaging failed",
			slog.String("correlation_id", correlationID),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Export packaging failed"))

		return
	}

	defer func() { _ = os.Remove(archivePath) }()

	filename := fmt.Sprintf("%s_%s_%s.zip",
		source, start.Format(dateLayout), end.Format(dateLayout))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	http.ServeFile(w, r, archivePath)

	s.logger.Info("Export archive served",
		slog.String("correlation_id", correlationID),
		slog.String("source", source),
		slog.String("filename", filename),
		slog.Duration("duration", time.Since(startTime)),
	)
}
