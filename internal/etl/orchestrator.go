// Package etl runs the ingestion pipeline: it pulls raw records from an
// archive object or the staging table, transforms them, and persists the
// permanent and changeable projections in batches.
package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/userprops-io/userprops/internal/storage"
	"github.com/userprops-io/userprops/internal/transform"
)

// Run statuses reported to the host.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

type (
	// Store is the warehouse surface the orchestrator needs.
	Store interface {
		AllPermanentEHRIDs(ctx context.Context) (map[int]struct{}, error)
		LatestChangeableByEHRID(ctx context.Context, ehrIDs []int) (map[int]*transform.ChangeableUserProperties, error)
		LatestChangeableNull(ctx context.Context) (*transform.ChangeableUserProperties, error)
		InsertBatch(ctx context.Context, table string, rows []map[string]any, opts ...storage.InsertOption) ([]any, int, error)
		UpdateMigratedBatch(ctx context.Context, uuids []uuid.UUID, migrated bool) error
		StagingRecords(ctx context.Context, start, end time.Time) ([]transform.RawRecord, error)
	}

	// ObjectReader fetches one archive object as a byte blob.
	ObjectReader interface {
		Get(ctx context.Context, bucket, key string) ([]byte, error)
	}

	// Orchestrator drives one ingestion run at a time. Separate runs own
	// separate caches and buffers; only the warehouse pool is shared, so
	// constructing one Orchestrator per run is cheap and safe.
	Orchestrator struct {
		store       Store
		objects     ObjectReader
		transformer *transform.Transformer
		logger      *slog.Logger
		batchSize   int
	}

	// ArchiveParams identifies the object-store blob to ingest and where to
	// resume inside it.
	ArchiveParams struct {
		Bucket     string
		Key        string
		StartAfter int
	}

	// StagingParams sets the first day window of a staging run.
	StagingParams struct {
		StartDate time.Time
	}

	// Result is the structured outcome of a run. Interrupted runs still
	// return a Result; the host maps it to a 200 response so clients can
	// resume.
	Result struct {
		Status             string `json:"status"`
		Processed          int    `json:"processed"`
		Errors             int    `json:"errors"`
		ErrorMessage       string `json:"error_message,omitempty"`
		LastSuccessfulLine *int   `json:"last_successful_line,omitempty"`
		FailedLine         *int   `json:"failed_line,omitempty"`
		FileKey            string `json:"file_key,omitempty"`
	}

	// run holds the per-invocation pipeline state.
	run struct {
		orch   *Orchestrator
		source transform.Source

		existingPermanent map[int]struct{}
		lastChange        map[int]*transform.ChangeableUserProperties
		lastChangeNull    *transform.ChangeableUserProperties

		pendingPermanent  []*transform.PermanentUserProperties
		pendingChangeable []*transform.ChangeableUserProperties
		batchUUIDs        []uuid.UUID

		processed int
	}
)

// NewOrchestrator creates an orchestrator. The object reader may be nil when
// only staging runs are needed.
func NewOrchestrator(
	store Store,
	objects ObjectReader,
	transformer *transform.Transformer,
	cfg *Config,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:       store,
		objects:     objects,
		transformer: transformer,
		logger:      logger.With(slog.String("component", "orchestrator")),
		batchSize:   cfg.BatchSize,
	}, nil
}

// ProcessArchive ingests one newline-delimited JSON object from the object
// store, starting at line index StartAfter. A transformation or decode error
// interrupts the run after flushing the clean buffers; the Result then
// carries resume coordinates instead of an error.
func (o *Orchestrator) ProcessArchive(ctx context.Context, params ArchiveParams) (*Result, error) {
	blob, err := o.objects.Get(ctx, params.Bucket, params.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrSourceRead, params.Bucket, params.Key, err)
	}

	r, err := o.newRun(ctx, transform.SourceArchive)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(blob), "\n")
	lastSuccessful := params.StartAfter - 1

	for idx := params.StartAfter; idx < len(lines); idx++ {
		line := strings.TrimSpace(lines[idx])
		if line == "" {
			continue
		}

		var raw transform.RawRecord
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			o.logger.Warn("archive line is not valid JSON",
				slog.String("key", params.Key),
				slog.Int("line", idx))

			return r.interruptArchive(ctx, &Interrupted{
				Message: fmt.Sprintf("invalid JSON at line %d: %v", idx, err),
			}, lastSuccessful, idx, params.Key)
		}

		if err := r.processRecord(ctx, raw); err != nil {
			var interrupt *Interrupted
			if errors.As(err, &interrupt) {
				return r.interruptArchive(ctx, interrupt, lastSuccessful, idx, params.Key)
			}

			return nil, err
		}

		lastSuccessful = idx
	}

	if err := r.flush(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("archive run completed",
		slog.String("key", params.Key),
		slog.Int("processed", r.processed))

	return &Result{
		Status:             StatusCompleted,
		Processed:          r.processed,
		LastSuccessfulLine: &lastSuccessful,
	}, nil
}

// ProcessStaging walks day windows forward from StartDate, ingesting
// unmigrated staging rows ordered by event time. The run terminates on the
// first day with zero rows. A transformation error interrupts the run after
// flushing the clean buffers and marking the flushed rows migrated.
func (o *Orchestrator) ProcessStaging(ctx context.Context, params StagingParams) (*Result, error) {
	r, err := o.newRun(ctx, transform.SourceStaging)
	if err != nil {
		return nil, err
	}

	day := params.StartDate.UTC().Truncate(24 * time.Hour)

	for {
		records, err := o.store.StagingRecords(ctx, day, day.Add(24*time.Hour))
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			break
		}

		for _, raw := range records {
			if err := r.processRecord(ctx, raw); err != nil {
				var interrupt *Interrupted
				if errors.As(err, &interrupt) {
					return r.interruptStaging(ctx, interrupt)
				}

				return nil, err
			}
		}

		day = day.Add(24 * time.Hour)
	}

	if err := r.flush(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("staging run completed", slog.Int("processed", r.processed))

	return &Result{
		Status:    StatusCompleted,
		Processed: r.processed,
	}, nil
}

// newRun preloads the permanent-ID set and the latest changeable state per
// partition, including the null pseudo-partition.
func (o *Orchestrator) newRun(ctx context.Context, source transform.Source) (*run, error) {
	existing, err := o.store.AllPermanentEHRIDs(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(existing))
	for id := range existing {
		ids = append(ids, id)
	}

	lastChange, err := o.store.LatestChangeableByEHRID(ctx, ids)
	if err != nil {
		return nil, err
	}

	lastChangeNull, err := o.store.LatestChangeableNull(ctx)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("caches preloaded",
		slog.Int("permanent_ids", len(existing)),
		slog.Int("latest_states", len(lastChange)))

	return &run{
		orch:              o,
		source:            source,
		existingPermanent: existing,
		lastChange:        lastChange,
		lastChangeNull:    lastChangeNull,
	}, nil
}

// processRecord transforms one raw record into the buffers and flushes when a
// buffer reaches the batch size. A transformation failure returns an
// *Interrupted; warehouse failures propagate unchanged.
func (r *run) processRecord(ctx context.Context, raw transform.RawRecord) error {
	permanent, changeable, errs := r.orch.transformer.Transform(raw, r.source)
	if len(errs) > 0 {
		return &Interrupted{
			Message: transform.FormatErrors(errs),
			Errors:  errs,
		}
	}

	if permanent != nil {
		r.pendingPermanent = append(r.pendingPermanent, permanent)
	}

	if changeable != nil {
		r.pendingChangeable = append(r.pendingChangeable, changeable)
	}

	if r.source == transform.SourceStaging {
		if id, ok := raw["uuid"].(uuid.UUID); ok {
			r.batchUUIDs = append(r.batchUUIDs, id)
		}
	}

	r.processed++

	if len(r.pendingPermanent) >= r.orch.batchSize || len(r.pendingChangeable) >= r.orch.batchSize {
		return r.flush(ctx)
	}

	return nil
}

// flush persists both buffers: new permanent rows deduplicated against the
// cache and the warehouse, then changeable candidates filtered through the
// change detector. In staging mode the flushed rows are marked migrated.
func (r *run) flush(ctx context.Context) error {
	if err := r.flushPermanent(ctx); err != nil {
		return err
	}

	if err := r.flushChangeable(ctx); err != nil {
		return err
	}

	if r.source == transform.SourceStaging && len(r.batchUUIDs) > 0 {
		if err := r.orch.store.UpdateMigratedBatch(ctx, r.batchUUIDs, true); err != nil {
			return err
		}

		r.batchUUIDs = r.batchUUIDs[:0]
	}

	return nil
}

func (r *run) flushPermanent(ctx context.Context) error {
	if len(r.pendingPermanent) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(r.pendingPermanent))

	for _, p := range r.pendingPermanent {
		if _, exists := r.existingPermanent[p.EHRID]; exists {
			continue
		}

		rows = append(rows, p.Row())
	}

	r.pendingPermanent = r.pendingPermanent[:0]

	if len(rows) == 0 {
		return nil
	}

	returned, _, err := r.orch.store.InsertBatch(ctx, storage.TablePermanent, rows,
		storage.WithConflictDoNothing("ehr_id"), storage.WithReturning("ehr_id"))
	if err != nil {
		return err
	}

	for _, v := range returned {
		if id, ok := returnedInt(v); ok {
			r.existingPermanent[id] = struct{}{}
		}
	}

	return nil
}

func (r *run) flushChangeable(ctx context.Context) error {
	if len(r.pendingChangeable) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(r.pendingChangeable))

	for _, candidate := range r.pendingChangeable {
		previous := r.lastChangeNull
		if candidate.EHRID != nil {
			previous = r.lastChange[*candidate.EHRID]
		}

		if !transform.Changed(previous, candidate) {
			continue
		}

		rows = append(rows, candidate.Row())

		// Keep the cache on the newest observation so an out-of-order
		// older event cannot mask later changes.
		if previous == nil || !candidate.EventTime.Before(previous.EventTime) {
			if candidate.EHRID != nil {
				r.lastChange[*candidate.EHRID] = candidate
			} else {
				r.lastChangeNull = candidate
			}
		}
	}

	r.pendingChangeable = r.pendingChangeable[:0]

	if len(rows) == 0 {
		return nil
	}

	_, _, err := r.orch.store.InsertBatch(ctx, storage.TableChangeable, rows,
		storage.WithReturning("uuid"))

	return err
}

// interruptArchive performs the best-effort cleanup flush and shapes the
// interrupted result with resume coordinates.
func (r *run) interruptArchive(
	ctx context.Context,
	interrupt *Interrupted,
	lastSuccessful, failed int,
	fileKey string,
) (*Result, error) {
	interrupt.LastSuccessfulLine = &lastSuccessful
	interrupt.FailedLine = &failed
	interrupt.FileKey = fileKey

	r.cleanupFlush(ctx)

	return &Result{
		Status:             StatusInterrupted,
		Processed:          r.processed,
		Errors:             len(interrupt.Errors),
		ErrorMessage:       interrupt.Message,
		LastSuccessfulLine: interrupt.LastSuccessfulLine,
		FailedLine:         interrupt.FailedLine,
		FileKey:            interrupt.FileKey,
	}, nil
}

// interruptStaging performs the best-effort cleanup flush, which also marks
// the already-flushed staging rows migrated, then shapes the interrupted
// result.
func (r *run) interruptStaging(ctx context.Context, interrupt *Interrupted) (*Result, error) {
	r.cleanupFlush(ctx)

	return &Result{
		Status:       StatusInterrupted,
		Processed:    r.processed,
		Errors:       len(interrupt.Errors),
		ErrorMessage: interrupt.Message,
	}, nil
}

// cleanupFlush flushes whatever is clean before an interruption propagates.
// Failures here are logged, not raised; the interruption itself is the
// primary outcome.
func (r *run) cleanupFlush(ctx context.Context) {
	if err := r.flush(ctx); err != nil {
		r.orch.logger.Warn("cleanup flush failed", slog.String("error", err.Error()))
	}
}

// returnedInt coerces a RETURNING value to int across the driver's numeric
// representations.
func returnedInt(v any) (int, bool) {
	switch val := v.(type) {
	case int64:
		return int(val), true
	case int:
		return val, true
	case []byte:
		var n int
		if _, err := fmt.Sscanf(string(val), "%d", &n); err != nil {
			return 0, false
		}

		return n, true
	default:
		return 0, false
	}
}
