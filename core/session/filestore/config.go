package filestore

import (
	"log/slog"
)

// Config holds file store settings loadable from the environment.
type Config struct {
	Dir                     string `env:"SESSION_FILE_DIR" envDefault:"./sessions"`
	DeleteUnrestorableFiles bool   `env:"SESSION_FILE_DELETE_UNRESTORABLE" envDefault:"false"`
}

// DefaultConfig returns the default file store configuration.
func DefaultConfig() Config {
	return Config{Dir: "./sessions"}
}

// Option configures a Store.
type Option func(*Store)

// WithDeleteUnrestorableFiles removes files that cannot be parsed or decoded
// instead of leaving them for an operator to inspect.
func WithDeleteUnrestorableFiles(enabled bool) Option {
	return func(s *Store) {
		s.deleteUnrestorable = enabled
	}
}

// WithLogger sets the logger for file operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}
