package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/userprops-io/userprops/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	// defaultMaxParamsPerQuery matches the PostgreSQL wire-protocol limit on
	// bind parameters per statement.
	defaultMaxParamsPerQuery = 65535
	defaultMaxRowsPerInsert  = 1000
	defaultSafetyFactor      = 0.9
)

// Sentinel errors for storage configuration validation.
var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidBatchLimits is returned when the batching knobs cannot produce
	// at least one row per statement.
	ErrInvalidBatchLimits = errors.New("invalid batch limits")
)

// Config holds PostgreSQL connection and batching configuration with
// production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections

	// Batched-insert sizing. Rows per statement is derived from the
	// parameter budget and column count, scaled down by the safety factor
	// and capped by MaxRowsPerInsert.
	MaxParamsPerQuery int
	MaxRowsPerInsert  int
	SafetyFactor      float64
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:       config.GetEnvStr("DATABASE_URL", ""), // DatabaseURL is private for obvious reasons.
		MaxOpenConns:      config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:      config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:   config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:   config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		MaxParamsPerQuery: config.GetEnvInt("DATABASE_MAX_PARAMS_PER_QUERY", defaultMaxParamsPerQuery),
		MaxRowsPerInsert:  config.GetEnvInt("DATABASE_MAX_ROWS_PER_INSERT", defaultMaxRowsPerInsert),
		SafetyFactor:      config.GetEnvFloat("DATABASE_SAFETY_FACTOR", defaultSafetyFactor),
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxParamsPerQuery < 1 {
		return fmt.Errorf("%w: max params per query must be positive, got %d",
			ErrInvalidBatchLimits, c.MaxParamsPerQuery)
	}

	if c.MaxRowsPerInsert < 1 {
		return fmt.Errorf("%w: max rows per insert must be positive, got %d",
			ErrInvalidBatchLimits, c.MaxRowsPerInsert)
	}

	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("%w: safety factor must be in (0, 1], got %g",
			ErrInvalidBatchLimits, c.SafetyFactor)
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	// Find the scheme separator
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Find the last @ which separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	// Extract userinfo
	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	// Found username:password
	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.databaseURL
	}

	// Build masked URL
	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
