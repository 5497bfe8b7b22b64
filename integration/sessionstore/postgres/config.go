package postgres

import (
	"log/slog"
	"os"
)

// DefaultTable is the table name used when none is configured. The embedded
// Migrations create this table only.
const DefaultTable = "sessions"

// Config holds PostgreSQL backend settings loadable from the environment.
type Config struct {
	Table       string `env:"SESSION_PG_TABLE" envDefault:"sessions"`
	NodeName    string `env:"SESSION_NODE_NAME"`
	CreateTable bool   `env:"SESSION_PG_CREATE_TABLE" envDefault:"true"`
}

// DefaultConfig returns the default PostgreSQL backend configuration.
func DefaultConfig() Config {
	return Config{Table: DefaultTable, CreateTable: true}
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the session table name. Migrations only cover DefaultTable,
// so a custom table is created by Initialize or by the caller's own migrations.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithNodeName sets the value written to last_node. Expired only reports
// sessions whose last_node matches.
func WithNodeName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.node = name
		}
	}
}

// WithCreateTable controls whether Initialize creates the table.
// Disable it when the schema is managed with the embedded migrations.
func WithCreateTable(enabled bool) Option {
	return func(s *Store) {
		s.createTable = enabled
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func defaultNodeName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "node0"
}
