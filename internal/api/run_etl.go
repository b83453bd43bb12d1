package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/userprops-io/userprops/internal/api/middleware"
	"github.com/userprops-io/userprops/internal/etl"
)

// ETL source selectors accepted by the run endpoint.
const (
	etlSourceS3       = "s3"
	etlSourceTmpTable = "tmp_table"
)

// dateLayout is the calendar-day format used by run and export requests.
const dateLayout = "2006-01-02"

type (
	// RunETLRequest selects the ETL source and its parameters.
	//
	// source=s3 reads an NDJSON archive object and needs bucket and key;
	// start_after resumes line numbering after an interrupted run.
	// source=tmp_table walks staging day windows from start_date.
	RunETLRequest struct {
		Source     string `json:"source"`
		Bucket     string `json:"bucket,omitempty"`
		Key        string `json:"key,omitempty"`
		StartAfter int    `json:"start_after,omitempty"` //nolint: tagliatelle
		StartDate  string `json:"start_date,omitempty"`  //nolint: tagliatelle
	}
)

// handleRunETL runs the transformation pipeline for one source.
// POST /api/v1/etl/user-properties
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, unknown source, bad parameters
//
// Success responses:
//   - 200 OK with a run result body. Interrupted runs are still 200; the
//     body carries status=interrupted plus resume coordinates so the caller
//     can fix the offending record and resume.
//
// Failure responses:
//   - 500 Internal Server Error: source object unreadable or warehouse failure
func (s *Server) handleRunETL(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	req, problem := s.parseRunRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	var (
		result *etl.Result
		err    error
	)

	switch req.Source {
	case etlSourceS3:
		result, err = s.runner.ProcessArchive(r.Context(), etl.ArchiveParams{
			Bucket:     req.Bucket,
			Key:        req.Key,
			StartAfter: req.StartAfter,
		})
	case etlSourceTmpTable:
		startDate, parseErr := time.Parse(dateLayout, req.StartDate)
		if parseErr != nil {
			WriteErrorResponse(w, r, s.logger,
				BadRequest(fmt.Sprintf("start_date must be formatted as %s", dateLayout)))

			return
		}

		result, err = s.runner.ProcessStaging(r.Context(), etl.StagingParams{
			StartDate: startDate,
		})
	default:
		WriteErrorResponse(w, r, s.logger,
			BadRequest(fmt.Sprintf("source must be %q or %q", etlSourceS3, etlSourceTmpTable)))

		return
	}

	if err != nil {
		s.logger.Error("ETL run failed",
			slog.String("correlation_id", correlationID),
			slog.String("source", req.Source),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("ETL run failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, result)

	s.logger.Info("ETL run finished",
		slog.String("correlation_id", correlationID),
		slog.String("source", req.Source),
		slog.String("status", result.Status),
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// parseRunRequest parses and validates the run request body.
func (s *Server) parseRunRequest(r *http.Request) (*RunETLRequest, *ProblemDetail) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		return nil, BadRequest("Failed to read request body")
	}

	if len(body) == 0 {
		return nil, BadRequest("Request body is empty")
	}

	var req RunETLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, BadRequest("Request body is not valid JSON")
	}

	if req.Source == etlSourceS3 && (req.Bucket == "" || req.Key == "") {
		return nil, BadRequest("source=s3 requires bucket and key")
	}

	if req.Source == etlSourceTmpTable && req.StartDate == "" {
		return nil, BadRequest("source=tmp_table requires start_date")
	}

	return &req, nil
}

// writeJSON marshals a payload and writes it with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
