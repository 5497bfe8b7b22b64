package mongo

import (
	"log/slog"
	"os"
)

// Config holds MongoDB backend settings loadable from the environment.
type Config struct {
	Collection string `env:"SESSION_MONGO_COLLECTION" envDefault:"sessions"`
	NodeName   string `env:"SESSION_NODE_NAME"`
}

// DefaultConfig returns the default MongoDB backend configuration.
func DefaultConfig() Config {
	return Config{Collection: "sessions"}
}

// Option configures a Store.
type Option func(*Store)

// WithCollection sets the collection holding session documents.
func WithCollection(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// WithNodeName sets the value written to last_node.
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
