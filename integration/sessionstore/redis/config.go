package redis

import (
	"log/slog"
	"os"
)

// Config holds Redis backend settings loadable from the environment.
type Config struct {
	KeyPrefix string `env:"SESSION_REDIS_PREFIX" envDefault:"sessions:"`
	NodeName  string `env:"SESSION_NODE_NAME"`
}

// DefaultConfig returns the default Redis backend configuration.
func DefaultConfig() Config {
	return Config{KeyPrefix: "sessions:"}
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithNodeName sets the name recorded as the last node to write a session.
// Expired only reports sessions last written by this node.
func WithNodeName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.node = name
		}
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
