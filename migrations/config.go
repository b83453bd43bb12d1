package main

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the migrator settings, read from the environment.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable tracks applied migrations (default schema_migrations).
	MigrationTable string
}

// LoadConfig reads the environment and validates the result.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String renders the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL hides the password portion of a connection URL so it can
// be logged. The scan is textual because real-world DATABASE_URLs carry
// unencoded @ and : in passwords, which net/url rejects.
func maskDatabaseURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}

	authority := rest
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		authority = rest[:i]
	}

	// Split at the last @ so passwords containing @ stay inside userinfo.
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return raw
	}

	user, password, ok := strings.Cut(authority[:at], ":")
	if !ok || password == "" {
		return raw
	}

	return scheme + "://" + user + ":***@" + authority[at:][1:] + rest[len(authority):]
}
