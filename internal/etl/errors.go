package etl

import (
	"errors"

	"github.com/userprops-io/userprops/internal/transform"
)

// Sentinel errors for orchestrator runs.
var (
	// ErrSourceRead is returned when the record source cannot be fetched or
	// decoded.
	ErrSourceRead = errors.New("source read failed")

	// ErrInvalidBatchSize is returned when the flush trigger is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be greater than zero")
)

// Interrupted signals that a run stopped on a transformation error after a
// best-effort flush of the clean buffers. Archive runs carry resume
// coordinates; the host re-invokes with StartAfter = FailedLine to continue.
type Interrupted struct {
	Message            string
	Errors             []transform.Error
	LastSuccessfulLine *int
	FailedLine         *int
	FileKey            string
}

func (e *Interrupted) Error() string {
	return "processing interrupted: " + e.Message
}
