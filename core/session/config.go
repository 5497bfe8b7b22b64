package session

import (
	"log/slog"
	"time"
)

const (
	// NeverEvict keeps sessions resident until they are invalidated.
	NeverEvict time.Duration = -1
	// EvictOnSessionExit evicts a session as soon as its last request completes.
	EvictOnSessionExit time.Duration = 0

	// DefaultTTL is the default session inactivity timeout.
	DefaultTTL = 30 * time.Minute
	// DefaultScavengingInterval is the default housekeeper period.
	DefaultScavengingInterval = 10 * time.Minute
	// DefaultGracePeriod is the default delay before an expired session is treated as orphaned.
	DefaultGracePeriod = time.Hour
)

// Config holds session manager configuration.
// Designed for environment-based configuration via core/config.
type Config struct {
	// WorkerName is appended to generated ids to keep them unique per node.
	// Empty means a random node name is generated.
	WorkerName string `env:"SESSION_WORKER_NAME"`

	TTL                time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	MaxIdleForNew      time.Duration `env:"SESSION_MAX_IDLE_FOR_NEW" envDefault:"0s"`
	ScavengingInterval time.Duration `env:"SESSION_SCAVENGING_INTERVAL" envDefault:"10m"`

	// Cache
	MaxActiveSessions        int  `env:"SESSION_MAX_ACTIVE" envDefault:"0"`
	EvictionIdleSecs         int  `env:"SESSION_EVICTION_IDLE_SECS" envDefault:"-1"`
	EvictionIdleSecsForNew   int  `env:"SESSION_EVICTION_IDLE_SECS_FOR_NEW" envDefault:"-1"`
	SaveOnCreate             bool `env:"SESSION_SAVE_ON_CREATE" envDefault:"false"`
	SaveOnInactiveEviction   bool `env:"SESSION_SAVE_ON_INACTIVE_EVICTION" envDefault:"false"`
	RemoveUnloadableSessions bool `env:"SESSION_REMOVE_UNLOADABLE" envDefault:"false"`
	ClusterEnabled           bool `env:"SESSION_CLUSTER_ENABLED" envDefault:"false"`
	InvalidateOnShutdown     bool `env:"SESSION_INVALIDATE_ON_SHUTDOWN" envDefault:"false"`
}

// StoreConfig holds DataStore configuration.
type StoreConfig struct {
	SavePeriod              time.Duration `env:"SESSION_STORE_SAVE_PERIOD" envDefault:"0s"`
	GracePeriod             time.Duration `env:"SESSION_STORE_GRACE_PERIOD" envDefault:"1h"`
	NonPersistentAttributes []string      `env:"SESSION_STORE_NON_PERSISTENT_ATTRIBUTES" envSeparator:","`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		TTL:                    DefaultTTL,
		ScavengingInterval:     DefaultScavengingInterval,
		EvictionIdleSecs:       -1,
		EvictionIdleSecsForNew: -1,
	}
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{GracePeriod: DefaultGracePeriod}
}

// EvictionFromSeconds converts an eviction policy expressed in seconds:
// negative is NeverEvict, zero is EvictOnSessionExit, positive is an idle timeout.
func EvictionFromSeconds(secs int) time.Duration {
	switch {
	case secs < 0:
		return NeverEvict
	case secs == 0:
		return EvictOnSessionExit
	default:
		return time.Duration(secs) * time.Second
	}
}

// evictsSooner reports whether policy a removes an idle session earlier than b.
func evictsSooner(a, b time.Duration) bool {
	switch {
	case a == NeverEvict:
		return false
	case b == NeverEvict:
		return true
	default:
		return a < b
	}
}

// CacheOption is a functional option for configuring a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	evictionIdle           time.Duration
	evictionIdleForNew     time.Duration
	maxActiveSessions      int
	saveOnCreate           bool
	saveOnInactiveEviction bool
	removeUnloadable       bool
	clusterEnabled         bool
	invalidateOnShutdown   bool
	logger                 *slog.Logger
}

// WithEvictionIdle sets the eviction policy: NeverEvict, EvictOnSessionExit
// or a positive idle duration after which a session leaves memory.
func WithEvictionIdle(d time.Duration) CacheOption {
	return func(o *cacheOptions) {
		o.evictionIdle = normalizeEviction(d)
	}
}

// WithEvictionIdleForNew sets a policy for new sessions without attributes.
// It only applies when it evicts sooner than the general policy.
func WithEvictionIdleForNew(d time.Duration) CacheOption {
	return func(o *cacheOptions) {
		o.evictionIdleForNew = normalizeEviction(d)
	}
}

// WithMaxActiveSessions limits the number of resident sessions. Zero means unlimited.
func WithMaxActiveSessions(n int) CacheOption {
	return func(o *cacheOptions) {
		if n >= 0 {
			o.maxActiveSessions = n
		}
	}
}

// WithSaveOnCreate persists sessions as soon as they are created.
func WithSaveOnCreate(enabled bool) CacheOption {
	return func(o *cacheOptions) {
		o.saveOnCreate = enabled
	}
}

// WithSaveOnInactiveEviction persists sessions before evicting them for inactivity.
func WithSaveOnInactiveEviction(enabled bool) CacheOption {
	return func(o *cacheOptions) {
		o.saveOnInactiveEviction = enabled
	}
}

// WithRemoveUnloadableSessions deletes stored sessions whose data cannot be read.
func WithRemoveUnloadableSessions(enabled bool) CacheOption {
	return func(o *cacheOptions) {
		o.removeUnloadable = enabled
	}
}

// WithClusterEnabled treats the store as shared between nodes: sessions are
// refreshed from the store before use and saved before inactive eviction.
func WithClusterEnabled(enabled bool) CacheOption {
	return func(o *cacheOptions) {
		o.clusterEnabled = enabled
	}
}

// WithInvalidateOnShutdown invalidates resident sessions on shutdown instead of saving them.
func WithInvalidateOnShutdown(enabled bool) CacheOption {
	return func(o *cacheOptions) {
		o.invalidateOnShutdown = enabled
	}
}

// WithCacheLogger configures structured logging for cache operations.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(o *cacheOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func normalizeEviction(d time.Duration) time.Duration {
	if d < 0 {
		return NeverEvict
	}
	return d
}

// Option is a functional option for configuring a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	ttl                time.Duration
	maxIdleForNew      time.Duration
	scavengingInterval time.Duration
	workerName         string
	logger             *slog.Logger
	cacheOpts          []CacheOption
	listeners          []Listener
}

// WithTTL sets the default inactivity timeout of new sessions. Zero or negative creates immortal sessions.
func WithTTL(ttl time.Duration) Option {
	return func(o *managerOptions) {
		o.ttl = ttl
	}
}

// WithMaxIdleForNew shortens the inactivity timeout of new sessions until they
// receive an attribute or a second request.
func WithMaxIdleForNew(d time.Duration) Option {
	return func(o *managerOptions) {
		if d >= 0 {
			o.maxIdleForNew = d
		}
	}
}

// WithScavengingInterval sets the housekeeper period. Zero disables scavenging.
func WithScavengingInterval(d time.Duration) Option {
	return func(o *managerOptions) {
		if d >= 0 {
			o.scavengingInterval = d
		}
	}
}

// WithWorkerName sets the node name appended to generated session ids.
func WithWorkerName(name string) Option {
	return func(o *managerOptions) {
		o.workerName = name
	}
}

// WithLogger configures structured logging for the manager and its cache.
func WithLogger(l *slog.Logger) Option {
	return func(o *managerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCacheOptions passes options to the manager's cache.
func WithCacheOptions(opts ...CacheOption) Option {
	return func(o *managerOptions) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// WithListener registers a session listener at construction time.
func WithListener(l Listener) Option {
	return func(o *managerOptions) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// cacheOptionsFromConfig maps configuration onto cache options.
func cacheOptionsFromConfig(cfg Config) []CacheOption {
	return []CacheOption{
		WithMaxActiveSessions(cfg.MaxActiveSessions),
		WithEvictionIdle(EvictionFromSeconds(cfg.EvictionIdleSecs)),
		WithEvictionIdleForNew(EvictionFromSeconds(cfg.EvictionIdleSecsForNew)),
		WithSaveOnCreate(cfg.SaveOnCreate),
		WithSaveOnInactiveEviction(cfg.SaveOnInactiveEviction),
		WithRemoveUnloadableSessions(cfg.RemoveUnloadableSessions),
		WithClusterEnabled(cfg.ClusterEnabled),
		WithInvalidateOnShutdown(cfg.InvalidateOnShutdown),
	}
}
