// internal/config/database.go
package config

import (
	"fmt"
	"strings"
)

// DSN returns the connection string for the configured driver. An in-memory
// sqlite database is shared across the pool so every connection sees the
// same schema.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Database == "" || d.Database == ":memory:" {
			return "file::memory:?cache=shared"
		}
		if strings.HasPrefix(d.Database, "file:") {
			return d.Database
		}
		return "file:" + d.Database + "?_busy_timeout=5000"
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}
