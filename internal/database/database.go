// Package database opens the SQL connection and owns the small dialect
// differences between the supported drivers. Queries elsewhere are
// written with PostgreSQL-style $n placeholders and converted for
// drivers that use ?.
package database

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config selects the driver and its DSN.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open connects and verifies the connection.
func Open(cfg Config) (*sql.DB, error) {
	driver := normalizeDriver(cfg.Driver)
	switch driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql", "mariadb":
		return "mysql"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// ConvertPlaceholders rewrites $1, $2, ... to ? for drivers that do not
// understand numbered placeholders. Postgres queries pass through.
func ConvertPlaceholders(driver, query string) string {
	if normalizeDriver(driver) == "postgres" {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}
