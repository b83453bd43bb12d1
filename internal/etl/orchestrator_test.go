package etl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userprops-io/userprops/internal/catalog"
	"github.com/userprops-io/userprops/internal/storage"
	"github.com/userprops-io/userprops/internal/transform"
)

const testMappings = `
permanent:
  - target: gender
    sources: ["Gender"]
    type: string
    transform: lowercase_first
    value_map:
      male: "m"
changeable:
  - target: app_city
    sources: ["App City"]
    type: string
`

type (
	stagingRow struct {
		record   transform.RawRecord
		migrated bool
	}

	fakeStore struct {
		permanentIDs map[int]struct{}
		latest       map[int]*transform.ChangeableUserProperties
		latestNull   *transform.ChangeableUserProperties
		staging      []*stagingRow

		insertedPermanent  []map[string]any
		insertedChangeable []map[string]any
		changeableBatches  int
	}

	fakeObjects struct {
		blobs map[string][]byte
	}
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		permanentIDs: make(map[int]struct{}),
		latest:       make(map[int]*transform.ChangeableUserProperties),
	}
}

func (s *fakeStore) AllPermanentEHRIDs(_ context.Context) (map[int]struct{}, error) {
	ids := make(map[int]struct{}, len(s.permanentIDs))
	for id := range s.permanentIDs {
		ids[id] = struct{}{}
	}

	return ids, nil
}

func (s *fakeStore) LatestChangeableByEHRID(
	_ context.Context,
	ehrIDs []int,
) (map[int]*transform.ChangeableUserProperties, error) {
	result := make(map[int]*transform.ChangeableUserProperties)

	for _, id := range ehrIDs {
		if record, ok := s.latest[id]; ok {
			result[id] = record
		}
	}

	return result, nil
}

func (s *fakeStore) LatestChangeableNull(_ context.Context) (*transform.ChangeableUserProperties, error) {
	return s.latestNull, nil
}

func (s *fakeStore) InsertBatch(
	_ context.Context,
	table string,
	rows []map[string]any,
	_ ...storage.InsertOption,
) ([]any, int, error) {
	var returned []any

	switch table {
	case storage.TablePermanent:
		for _, row := range rows {
			id := row["ehr_id"].(int)
			if _, exists := s.permanentIDs[id]; exists {
				continue
			}

			s.permanentIDs[id] = struct{}{}
			s.insertedPermanent = append(s.insertedPermanent, row)
			returned = append(returned, int64(id))
		}
	case storage.TableChangeable:
		s.changeableBatches++

		for _, row := range rows {
			s.insertedChangeable = append(s.insertedChangeable, row)
			returned = append(returned, row["uuid"].(uuid.UUID).String())
		}
	default:
		return nil, 0, fmt.Errorf("unexpected table %q", table)
	}

	return returned, 1, nil
}

func (s *fakeStore) UpdateMigratedBatch(_ context.Context, uuids []uuid.UUID, migrated bool) error {
	for _, id := range uuids {
		for _, row := range s.staging {
			if row.record["uuid"] == id {
				row.migrated = migrated
			}
		}
	}

	return nil
}

func (s *fakeStore) StagingRecords(_ context.Context, start, end time.Time) ([]transform.RawRecord, error) {
	var records []transform.RawRecord

	for _, row := range s.staging {
		if row.migrated {
			continue
		}

		ts := row.record["event_time"].(time.Time)
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		records = append(records, row.record)
	}

	return records, nil
}

func (s *fakeStore) migratedCount() int {
	count := 0

	for _, row := range s.staging {
		if row.migrated {
			count++
		}
	}

	return count
}

func (o *fakeObjects) Get(_ context.Context, bucket, key string) ([]byte, error) {
	blob, ok := o.blobs[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such object %s/%s", bucket, key)
	}

	return blob, nil
}

func newTestOrchestrator(t *testing.T, store *fakeStore, objects *fakeObjects, batchSize int) *Orchestrator {
	t.Helper()

	cat, err := catalog.Parse([]byte(testMappings))
	require.NoError(t, err)

	orch, err := NewOrchestrator(store, objects, transform.New(cat, nil), &Config{BatchSize: batchSize}, nil)
	require.NoError(t, err)

	return orch
}

func archiveLine(id uuid.UUID, eventTime, ehrID, city string) string {
	return fmt.Sprintf(
		`{"uuid":%q,"event_time":%q,"user_properties":{"EHR_ID":%q,"App City":%q},"session_id":1}`,
		id, eventTime, ehrID, city)
}

func stagingRecord(id uuid.UUID, eventTime time.Time, bag map[string]any) *stagingRow {
	return &stagingRow{
		record: transform.RawRecord{
			"uuid":                 id,
			"event_time":           eventTime,
			"user_properties_json": bag,
		},
	}
}

func TestProcessArchive_HappyPath(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/2024/05.ndjson": []byte(
			archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "42", "Berlin") + "\n" +
				archiveLine(uuid.New(), "2024-05-01T11:00:00Z", "43", "Munich") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "2024/05.ndjson",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Processed)
	require.NotNil(t, result.LastSuccessfulLine)
	assert.Equal(t, 1, *result.LastSuccessfulLine)

	assert.Len(t, store.insertedPermanent, 2)
	assert.Len(t, store.insertedChangeable, 2)
}

func TestProcessArchive_InterruptsOnUnknownKey(t *testing.T) {
	cleanA := uuid.New()
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/bad.ndjson": []byte(
			archiveLine(cleanA, "2024-05-01T10:00:00Z", "42", "Berlin") + "\n" +
				`{"uuid":"` + uuid.NewString() + `","event_time":"2024-05-01T11:00:00Z","user_properties":{"CompletelyNewKey":"x"}}` + "\n" +
				archiveLine(uuid.New(), "2024-05-01T12:00:00Z", "44", "Hamburg") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "bad.ndjson",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, result.Status)
	assert.Equal(t, 1, result.Processed)
	assert.Contains(t, result.ErrorMessage, "'CompletelyNewKey' = x (Unknown key)")
	require.NotNil(t, result.LastSuccessfulLine)
	assert.Equal(t, 0, *result.LastSuccessfulLine)
	require.NotNil(t, result.FailedLine)
	assert.Equal(t, 1, *result.FailedLine)
	assert.Equal(t, "bad.ndjson", result.FileKey)

	// The clean first line was flushed before interrupting.
	require.Len(t, store.insertedChangeable, 1)
	assert.Equal(t, cleanA, store.insertedChangeable[0]["uuid"])
}

func TestProcessArchive_ResumesFromStartAfter(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/resume.ndjson": []byte(
			`not even json` + "\n" +
				archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "42", "Berlin") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket:     "exports",
		Key:        "resume.ndjson",
		StartAfter: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Processed)
}

func TestProcessArchive_InvalidJSONCarriesResumeCoordinates(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/broken.ndjson": []byte(
			archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "42", "Berlin") + "\n" +
				`{"uuid": truncated`),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "broken.ndjson",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, result.Status)
	require.NotNil(t, result.FailedLine)
	assert.Equal(t, 1, *result.FailedLine)
	require.NotNil(t, result.LastSuccessfulLine)
	assert.Equal(t, 0, *result.LastSuccessfulLine)
}

func TestInterruptedCarriesResumeCoordinates(t *testing.T) {
	store := newFakeStore()
	orch := newTestOrchestrator(t, store, &fakeObjects{}, 100)

	r, err := orch.newRun(context.Background(), transform.SourceArchive)
	require.NoError(t, err)

	interrupt := &Interrupted{Message: "unknown key"}

	result, err := r.interruptArchive(context.Background(), interrupt, 4, 5, "events.ndjson")
	require.NoError(t, err)

	// The coordinates live on the error value itself, not only on the
	// shaped result.
	require.NotNil(t, interrupt.LastSuccessfulLine)
	assert.Equal(t, 4, *interrupt.LastSuccessfulLine)
	require.NotNil(t, interrupt.FailedLine)
	assert.Equal(t, 5, *interrupt.FailedLine)
	assert.Equal(t, "events.ndjson", interrupt.FileKey)

	assert.Equal(t, interrupt.LastSuccessfulLine, result.LastSuccessfulLine)
	assert.Equal(t, interrupt.FailedLine, result.FailedLine)
	assert.Equal(t, "events.ndjson", result.FileKey)
}

func TestProcessArchive_ChangeDetectorSkipsEqualState(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		// Same ehr_id and city; only uuid, event_time and session_id vary.
		"exports/dup.ndjson": []byte(
			archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "42", "Berlin") + "\n" +
				archiveLine(uuid.New(), "2024-05-01T11:00:00Z", "42", "Berlin") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "dup.ndjson",
	})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Len(t, store.insertedChangeable, 1, "second identical state must be skipped")
	assert.Len(t, store.insertedPermanent, 1, "permanent row is deduplicated by the conflict clause")
}

func TestProcessArchive_SkipsExistingPermanent(t *testing.T) {
	store := newFakeStore()
	store.permanentIDs[42] = struct{}{}

	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/known.ndjson": []byte(
			archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "42", "Berlin") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 100)

	_, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "known.ndjson",
	})

	require.NoError(t, err)
	assert.Empty(t, store.insertedPermanent)
	assert.Len(t, store.insertedChangeable, 1)
}

func TestProcessArchive_FlushesAtBatchSize(t *testing.T) {
	store := newFakeStore()
	objects := &fakeObjects{blobs: map[string][]byte{
		"exports/batched.ndjson": []byte(
			archiveLine(uuid.New(), "2024-05-01T10:00:00Z", "1", "A") + "\n" +
				archiveLine(uuid.New(), "2024-05-01T11:00:00Z", "2", "B") + "\n" +
				archiveLine(uuid.New(), "2024-05-01T12:00:00Z", "3", "C") + "\n"),
	}}
	orch := newTestOrchestrator(t, store, objects, 2)

	result, err := orch.ProcessArchive(context.Background(), ArchiveParams{
		Bucket: "exports",
		Key:    "batched.ndjson",
	})

	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Len(t, store.insertedChangeable, 3)
	// One flush at the batch boundary plus the final flush.
	assert.Equal(t, 2, store.changeableBatches)
}

func TestProcessStaging_WalksDayWindows(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.staging = []*stagingRow{
		stagingRecord(uuid.New(), day.Add(2*time.Hour), map[string]any{"EHR_ID": "42", "App City": "Berlin"}),
		stagingRecord(uuid.New(), day.Add(26*time.Hour), map[string]any{"EHR_ID": "42", "App City": "Munich"}),
	}
	orch := newTestOrchestrator(t, store, nil, 100)

	result, err := orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, store.migratedCount())
	assert.Len(t, store.insertedChangeable, 2, "city changed between days")
}

func TestProcessStaging_ResumeAfterInterrupt(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	idA, idB, idC := uuid.New(), uuid.New(), uuid.New()

	store := newFakeStore()
	store.staging = []*stagingRow{
		stagingRecord(idA, day.Add(1*time.Hour), map[string]any{"EHR_ID": "42", "App City": "Berlin"}),
		stagingRecord(idB, day.Add(2*time.Hour), map[string]any{"BadKey": "x"}),
		stagingRecord(idC, day.Add(3*time.Hour), map[string]any{"EHR_ID": "42", "App City": "Munich"}),
	}
	orch := newTestOrchestrator(t, store, nil, 100)

	// Run 1: A processes, B interrupts, C stays untouched.
	result, err := orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})

	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, result.Status)
	assert.Equal(t, 1, result.Processed)
	assert.True(t, store.staging[0].migrated, "A must be marked migrated")
	assert.False(t, store.staging[1].migrated, "B must stay unmigrated")
	assert.False(t, store.staging[2].migrated, "C must stay untouched")

	// Fix B's data and re-run with the same start date.
	store.staging[1].record["user_properties_json"] = map[string]any{"EHR_ID": "42", "App City": "Hamburg"}

	result, err = orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 3, store.migratedCount())

	// History: Berlin, Hamburg, Munich in source order.
	require.Len(t, store.insertedChangeable, 3)
	assert.Equal(t, idA, store.insertedChangeable[0]["uuid"])
	assert.Equal(t, idB, store.insertedChangeable[1]["uuid"])
	assert.Equal(t, idC, store.insertedChangeable[2]["uuid"])
}

func TestProcessStaging_RerunIsNoOp(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.staging = []*stagingRow{
		stagingRecord(uuid.New(), day.Add(time.Hour), map[string]any{"EHR_ID": "42", "App City": "Berlin"}),
	}
	orch := newTestOrchestrator(t, store, nil, 100)

	_, err := orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})
	require.NoError(t, err)

	result, err := orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, result.Processed)
	assert.Len(t, store.insertedChangeable, 1, "no additional inserts on re-run")
}

func TestProcessStaging_NullPartition(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.staging = []*stagingRow{
		stagingRecord(uuid.New(), day.Add(1*time.Hour), map[string]any{"EHR_ID": "N/A", "App City": "Berlin"}),
		stagingRecord(uuid.New(), day.Add(2*time.Hour), map[string]any{"EHR_ID": "N/A", "App City": "Berlin"}),
	}
	orch := newTestOrchestrator(t, store, nil, 100)

	result, err := orch.ProcessStaging(context.Background(), StagingParams{StartDate: day})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Empty(t, store.insertedPermanent)
	assert.Len(t, store.insertedChangeable, 1, "identical null-partition states collapse")
}

func TestNewOrchestrator_RejectsInvalidBatchSize(t *testing.T) {
	_, err := NewOrchestrator(newFakeStore(), nil, nil, &Config{BatchSize: 0}, nil)

	require.ErrorIs(t, err, ErrInvalidBatchSize)
}
