// Package staging consumes raw user-property events from a message topic
// and lands them in the staging table for the staging ETL path.
package staging

import (
	"errors"
	"strings"
	"time"

	"github.com/userprops-io/userprops/internal/config"
)

const (
	defaultGroupID       = "userprops-staging-loader"
	defaultFlushSize     = 500
	defaultFlushInterval = 5 * time.Second
)

// Sentinel errors for loader configuration.
var (
	// ErrMissingBrokers is returned when no broker address is configured.
	ErrMissingBrokers = errors.New("missing kafka brokers")

	// ErrMissingTopic is returned when no topic is configured.
	ErrMissingTopic = errors.New("missing kafka topic")

	// ErrInvalidFlushLimits is returned for non-positive flush settings.
	ErrInvalidFlushLimits = errors.New("invalid flush limits")
)

// Config holds message consumption settings loaded from the environment.
type Config struct {
	// Brokers is the broker address list.
	Brokers []string

	// Topic carries raw user-property events.
	Topic string

	// GroupID is the consumer group for offset tracking.
	GroupID string

	// FlushSize is the row count that triggers a staging insert.
	FlushSize int

	// FlushInterval bounds how long a partial buffer may wait.
	FlushInterval time.Duration
}

// LoadConfig loads loader configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:       splitBrokers(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:         config.GetEnvStr("KAFKA_TOPIC", ""),
		GroupID:       config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
		FlushSize:     config.GetEnvInt("STAGING_FLUSH_SIZE", defaultFlushSize),
		FlushInterval: config.GetEnvDuration("STAGING_FLUSH_INTERVAL", defaultFlushInterval),
	}
}

// Validate checks that the configuration can drive a consumer.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrMissingBrokers
	}

	if c.Topic == "" {
		return ErrMissingTopic
	}

	if c.FlushSize <= 0 || c.FlushInterval <= 0 {
		return ErrInvalidFlushLimits
	}

	return nil
}

func splitBrokers(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}

	return brokers
}
