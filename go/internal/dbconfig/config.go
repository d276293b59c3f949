package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Env prefixes of the databases the client and dev server talk to
const (
	PrefixPrefs   = "PREFS_DB_"
	PrefixChanges = "CHANGES_DB_"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// URL, when set, is used verbatim instead of the parts above
	URL string
}

// NewConfigFromEnv reads <prefix>* environment variables (with defaults).
func NewConfigFromEnv(prefix string) Config {
	port, err := strconv.Atoi(getEnv(prefix+"PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return Config{
		Host:     getEnv(prefix+"HOST", "localhost"),
		Port:     port,
		User:     getEnv(prefix+"USER", "postgres"),
		Password: getEnv(prefix+"PASSWORD", "postgres"),
		Database: getEnv(prefix+"NAME", "empire"),
		SSLMode:  getEnv(prefix+"SSLMODE", "disable"),
		URL:      os.Getenv(prefix + "URL"),
	}
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
