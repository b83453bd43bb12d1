package etl

import (
	"github.com/userprops-io/userprops/internal/config"
)

// defaultBatchSize is the flush trigger for the pending buffers.
const defaultBatchSize = 1000

// Config holds orchestrator tuning knobs.
type Config struct {
	// BatchSize caps the growth of the pending buffers; reaching it
	// triggers a flush.
	BatchSize int
}

// LoadConfig loads orchestrator configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BatchSize: config.GetEnvInt("ETL_BATCH_SIZE", defaultBatchSize),
	}
}

// Validate checks if the orchestrator configuration is valid.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return ErrInvalidBatchSize
	}

	return nil
}
