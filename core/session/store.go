package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// Store is the persistence boundary of the session subsystem.
// Implementations must handle concurrent access safely.
type Store interface {
	// Load returns the stored data for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Data, error)
	// Save persists data under id. Writes may be skipped when nothing changed recently.
	Save(ctx context.Context, id string, data *Data) error
	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Exists reports whether an unexpired session is stored under id.
	Exists(ctx context.Context, id string) (bool, error)
	// GetExpired returns the candidates confirmed expired plus any other sessions
	// the store knows to have expired long ago.
	GetExpired(ctx context.Context, candidates []string) ([]string, error)
	// CleanOrphans deletes sessions that expired before the given time, whichever node owned them.
	CleanOrphans(ctx context.Context, before time.Time) error
	// GetAllSessions returns the ids of every stored session.
	GetAllSessions(ctx context.Context) ([]string, error)
	// NonPersistentAttributes returns attribute names that are never written.
	NonPersistentAttributes() []string
}

// Backend is the storage-specific part of a Store. DataStore wraps a Backend
// with write throttling, failure rollback and expiry scan rate limiting.
type Backend interface {
	// Load returns ErrNotFound when nothing is stored under id.
	Load(ctx context.Context, id string) (*Data, error)
	// Store writes data. lastSaved is the time of the previous successful write.
	Store(ctx context.Context, id string, data *Data, lastSaved time.Time) error
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	// CheckExpired returns the candidates that are expired at now or no longer stored.
	CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error)
	// Expired returns sessions managed by this node that expired before the given time.
	Expired(ctx context.Context, before time.Time) ([]string, error)
	CleanOrphans(ctx context.Context, before time.Time) error
	AllSessions(ctx context.Context) ([]string, error)
}

// Initializer is implemented by stores and backends that need preparation before use,
// such as creating a schema or indexing existing files.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// DataStore implements Store on top of a Backend.
type DataStore struct {
	backend       Backend
	savePeriod    time.Duration
	gracePeriod   time.Duration
	nonPersistent map[string]struct{}
	logger        *slog.Logger

	mu              sync.Mutex
	lastExpiryCheck time.Time
}

// StoreOption configures a DataStore.
type StoreOption func(*DataStore)

// WithSavePeriod sets the minimum time between writes of an unchanged session.
// Zero writes on every save.
func WithSavePeriod(d time.Duration) StoreOption {
	return func(s *DataStore) {
		if d >= 0 {
			s.savePeriod = d
		}
	}
}

// WithGracePeriod sets how long after expiry a session is treated as orphaned,
// and how often the store scans for such sessions.
func WithGracePeriod(d time.Duration) StoreOption {
	return func(s *DataStore) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithNonPersistentAttributes names attributes that must never be stored.
func WithNonPersistentAttributes(names ...string) StoreOption {
	return func(s *DataStore) {
		for _, name := range names {
			s.nonPersistent[name] = struct{}{}
		}
	}
}

// WithStoreLogger configures structured logging for store operations.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *DataStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewDataStore wraps a backend.
func NewDataStore(backend Backend, opts ...StoreOption) *DataStore {
	s := &DataStore{
		backend:       backend,
		gracePeriod:   DefaultGracePeriod,
		nonPersistent: make(map[string]struct{}),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDataStoreFromConfig creates a DataStore from configuration.
func NewDataStoreFromConfig(cfg StoreConfig, backend Backend, opts ...StoreOption) *DataStore {
	allOpts := append([]StoreOption{
		WithSavePeriod(cfg.SavePeriod),
		WithGracePeriod(cfg.GracePeriod),
		WithNonPersistentAttributes(cfg.NonPersistentAttributes...),
	}, opts...)
	return NewDataStore(backend, allOpts...)
}

// Initialize prepares the backend if it needs it.
func (s *DataStore) Initialize(ctx context.Context) error {
	if in, ok := s.backend.(Initializer); ok {
		return in.Initialize(ctx)
	}
	return nil
}

// Load returns the stored data for id.
func (s *DataStore) Load(ctx context.Context, id string) (*Data, error) {
	return s.backend.Load(ctx, id)
}

// Save writes the data unless it is clean and was saved less than a save period ago.
// On failure the previous save time is restored so the next attempt writes in full.
func (s *DataStore) Save(ctx context.Context, id string, data *Data) error {
	lastSaved := data.LastSaved()
	now := time.Now()

	if !data.IsDirty() && !lastSaved.IsZero() && now.Sub(lastSaved) < s.savePeriod {
		return nil
	}

	data.SetLastSaved(now)
	snapshot := data.PersistentCopy(s.nonPersistent)
	if err := s.backend.Store(ctx, id, snapshot, lastSaved); err != nil {
		data.SetLastSaved(lastSaved)
		if !errors.Is(err, ErrUnwritableData) {
			err = errors.Join(ErrUnwritableData, err)
		}
		return fmt.Errorf("saving session %s: %w", id, err)
	}
	data.SetDirty(false)
	return nil
}

// Delete removes the session.
func (s *DataStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.backend.Delete(ctx, id)
}

// Exists reports whether an unexpired session is stored under id.
func (s *DataStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.backend.Exists(ctx, id)
}

// GetExpired checks the candidates against the backend and, at most once per
// grace period, adds sessions that expired more than a grace period ago.
func (s *DataStore) GetExpired(ctx context.Context, candidates []string) ([]string, error) {
	now := time.Now()

	expired, err := s.backend.CheckExpired(ctx, candidates, now)
	if err != nil {
		return nil, fmt.Errorf("checking expired candidates: %w", err)
	}

	s.mu.Lock()
	scan := s.lastExpiryCheck.IsZero() || now.Sub(s.lastExpiryCheck) > s.gracePeriod
	s.lastExpiryCheck = now
	s.mu.Unlock()

	if scan {
		old, err := s.backend.Expired(ctx, now.Add(-s.gracePeriod))
		if err != nil {
			s.logger.WarnContext(ctx, "scan for long expired sessions failed",
				logger.Component("session-store"),
				logger.Error(err))
		} else {
			expired = append(expired, old...)
		}
	}

	slices.Sort(expired)
	return slices.Compact(expired), nil
}

// CleanOrphans deletes sessions that expired before the given time.
func (s *DataStore) CleanOrphans(ctx context.Context, before time.Time) error {
	return s.backend.CleanOrphans(ctx, before)
}

// GetAllSessions returns every stored session id.
func (s *DataStore) GetAllSessions(ctx context.Context) ([]string, error) {
	return s.backend.AllSessions(ctx)
}

// NonPersistentAttributes returns the configured non-persistent attribute names.
func (s *DataStore) NonPersistentAttributes() []string {
	names := make([]string, 0, len(s.nonPersistent))
	for name := range s.nonPersistent {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Verify interface compliance.
var _ Store = (*DataStore)(nil)
