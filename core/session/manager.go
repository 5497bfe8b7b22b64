package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// orphanSweepEvery is how many scavenge runs pass between orphan sweeps.
const orphanSweepEvery = 10

// Manager ties the session cache, the store, the id generator and the
// housekeeper together and dispatches listener events.
type Manager struct {
	cache       *Cache
	store       Store
	ids         *IDGenerator
	houseKeeper *HouseKeeper
	logger      *slog.Logger
	stats       statistics

	ttl                time.Duration
	maxIdleForNew      time.Duration
	scavengingInterval time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener

	candidatesMu sync.Mutex
	candidates   map[string]struct{}
	scavenges    atomic.Int64

	running atomic.Bool
}

// NewManager creates a session manager. A nil store keeps sessions in memory only.
func NewManager(store Store, opts ...Option) *Manager {
	o := managerOptions{
		ttl:                DefaultTTL,
		scavengingInterval: DefaultScavengingInterval,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workerName == "" {
		o.workerName = defaultWorkerName()
	}

	cacheOpts := append([]CacheOption{WithCacheLogger(o.logger)}, o.cacheOpts...)

	m := &Manager{
		cache:              NewCache(store, cacheOpts...),
		store:              store,
		ids:                NewIDGenerator(o.workerName),
		logger:             o.logger,
		ttl:                o.ttl,
		maxIdleForNew:      o.maxIdleForNew,
		scavengingInterval: o.scavengingInterval,
		listeners:          o.listeners,
		candidates:         make(map[string]struct{}),
	}
	m.cache.setHandler(m)
	m.houseKeeper = NewHouseKeeper(m,
		WithInterval(o.scavengingInterval),
		WithHouseKeeperLogger(o.logger))
	return m
}

// NewManagerFromConfig creates a manager from configuration.
// Options passed explicitly override configuration values.
func NewManagerFromConfig(cfg Config, store Store, opts ...Option) *Manager {
	allOpts := append([]Option{
		WithTTL(cfg.TTL),
		WithMaxIdleForNew(cfg.MaxIdleForNew),
		WithScavengingInterval(cfg.ScavengingInterval),
		WithWorkerName(cfg.WorkerName),
		WithCacheOptions(cacheOptionsFromConfig(cfg)...),
	}, opts...)
	return NewManager(store, allOpts...)
}

// defaultWorkerName derives a short node name from a random UUID.
func defaultWorkerName() string {
	return uuid.NewString()[:8]
}

// Cache returns the session cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// HouseKeeper returns the scavenger driving expiry reconciliation.
func (m *Manager) HouseKeeper() *HouseKeeper {
	return m.houseKeeper
}

// WorkerName returns the node name appended to generated ids.
func (m *Manager) WorkerName() string {
	return m.ids.WorkerName()
}

// Start prepares the store and starts the housekeeper.
// It fails with ErrStoreNotConfigured when cache options need a store and there is none.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.cache.Validate(); err != nil {
		return err
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if in, ok := m.store.(Initializer); ok {
		if err := in.Initialize(ctx); err != nil {
			m.running.Store(false)
			return fmt.Errorf("initializing session store: %w", err)
		}
	}

	if m.scavengingInterval > 0 {
		if err := m.houseKeeper.Start(); err != nil {
			m.running.Store(false)
			return err
		}
	}

	m.logger.InfoContext(ctx, "session manager started",
		logger.Component("session-manager"),
		logger.Worker(m.ids.WorkerName()),
		slog.Duration("scavenging_interval", m.scavengingInterval))
	return nil
}

// Stop halts the housekeeper and shuts the cache down.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return ErrManagerNotRunning
	}
	m.houseKeeper.Stop()
	err := m.cache.Shutdown(ctx)
	m.logger.InfoContext(ctx, "session manager stopped",
		logger.Component("session-manager"),
		logger.Error(err))
	return err
}

// Run returns a function suitable for errgroup that starts the manager
// and stops it when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		if err := m.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return m.Stop(context.WithoutCancel(ctx))
	}
}

// Healthcheck verifies the manager is running and, when scavenging is enabled, so is the housekeeper.
func (m *Manager) Healthcheck(ctx context.Context) error {
	if !m.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrManagerNotRunning)
	}
	if m.scavengingInterval > 0 {
		return m.houseKeeper.Healthcheck(ctx)
	}
	return nil
}

// CreateSession creates a session held by the calling request.
// The caller must call Complete when the request ends.
func (m *Manager) CreateSession(ctx context.Context) (*ManagedSession, error) {
	id, err := m.newSessionID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s, err := m.cache.Add(ctx, id, now, m.ttl)
	if err != nil {
		if errors.Is(err, ErrMaxSessionsExceeded) {
			m.stats.sessionRejected()
			m.logger.WarnContext(ctx, "session creation rejected",
				logger.Component("session-manager"),
				logger.Error(err))
		}
		return nil, err
	}

	s.mu.Lock()
	if m.maxIdleForNew > 0 && m.maxIdleForNew < m.ttl {
		s.data.SetExtraInactiveInterval(m.ttl - m.maxIdleForNew)
		s.data.CalcAndSetExpiry(now)
	}
	s.use()
	s.mu.Unlock()

	m.stats.sessionCreated(int64(m.cache.Len()))
	m.forEachListener(ctx, "session created", false, func(l Listener) {
		l.SessionCreated(ctx, s)
	})
	return s, nil
}

// newSessionID generates ids until one is not in use.
func (m *Manager) newSessionID(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id := m.ids.NewID()
		exists, err := m.cache.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("checking session id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
}

// GetSession returns a valid session. Expired sessions are invalidated and reported as ErrNotFound.
func (m *Manager) GetSession(ctx context.Context, id string) (*ManagedSession, error) {
	s, err := m.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Refresh(ctx, s); err != nil {
		return nil, err
	}

	if s.IsExpiredAt(time.Now()) {
		if err := s.invalidate(ctx, ReasonExpired); err != nil && !errors.Is(err, ErrIllegalState) {
			m.logger.WarnContext(ctx, "failed to invalidate expired session",
				logger.Component("session-manager"),
				logger.SessionID(id),
				logger.Error(err))
		}
		return nil, ErrNotFound
	}
	if !s.IsValid() {
		return nil, ErrNotFound
	}
	return s, nil
}

// AccessSession returns a valid session with a request entered on it, as
// GetSession followed by Access. A session evicted between the two steps is
// looked up again. The caller must call Complete when the request ends.
func (m *Manager) AccessSession(ctx context.Context, id string) (*ManagedSession, error) {
	for {
		s, err := m.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Access(ctx) {
			return s, nil
		}
		if !s.IsValid() {
			return nil, ErrNotFound
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// InvalidateSession invalidates the session with the given id.
func (m *Manager) InvalidateSession(ctx context.Context, id string) error {
	s, err := m.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Invalidate(ctx)
}

// RenewSessionID moves a session to a freshly generated id and returns it.
func (m *Manager) RenewSessionID(ctx context.Context, oldID string) (string, error) {
	newID, err := m.newSessionID(ctx)
	if err != nil {
		return "", err
	}
	s, err := m.cache.RenewSessionID(ctx, oldID, newID)
	if err != nil && s == nil {
		return "", err
	}

	m.candidatesMu.Lock()
	if _, ok := m.candidates[oldID]; ok {
		delete(m.candidates, oldID)
		m.candidates[newID] = struct{}{}
	}
	m.candidatesMu.Unlock()

	m.forEachListener(ctx, "session id changed", false, func(l Listener) {
		l.SessionIDChanged(ctx, s, oldID)
	})
	return newID, err
}

// ActiveSessionIDs returns the ids of resident sessions.
func (m *Manager) ActiveSessionIDs() []string {
	return m.cache.ResidentIDs()
}

// AllSessionIDs returns every stored session id, or the resident ones without a store.
func (m *Manager) AllSessionIDs(ctx context.Context) ([]string, error) {
	if m.store == nil {
		return m.cache.ResidentIDs(), nil
	}
	return m.store.GetAllSessions(ctx)
}

// AddListener subscribes a listener. Listeners must be comparable to be removed later.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unsubscribes the first registration of l.
func (m *Manager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if i := slices.Index(m.listeners, l); i >= 0 {
		m.listeners = slices.Delete(m.listeners, i, i+1)
	}
}

// Statistics returns a snapshot of the manager counters.
// Active is the number of resident sessions.
func (m *Manager) Statistics() Statistics {
	return m.stats.snapshot(int64(m.cache.Len()))
}

// Candidates returns the ids waiting for the next scavenge.
func (m *Manager) Candidates() []string {
	m.candidatesMu.Lock()
	defer m.candidatesMu.Unlock()
	return slices.Sorted(maps.Keys(m.candidates))
}

func (m *Manager) addCandidate(id string) bool {
	if !m.houseKeeper.IsRunning() {
		return false
	}
	m.candidatesMu.Lock()
	m.candidates[id] = struct{}{}
	m.candidatesMu.Unlock()
	return true
}

// Scavenge reconciles candidate ids against the store and invalidates the expired ones.
// Every tenth run it also deletes sessions orphaned by other nodes.
func (m *Manager) Scavenge(ctx context.Context) error {
	m.candidatesMu.Lock()
	snapshot := slices.Collect(maps.Keys(m.candidates))
	m.candidatesMu.Unlock()

	expired, err := m.cache.CheckExpiration(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("checking session expiration: %w", err)
	}

	now := time.Now()
	invalidated := 0
	for _, id := range expired {
		if ctx.Err() != nil {
			break
		}
		s, err := m.cache.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.logger.WarnContext(ctx, "removing expired session that cannot be loaded",
					logger.Component("session-manager"),
					logger.SessionID(id),
					logger.Error(err))
				if _, err := m.cache.Delete(ctx, id); err != nil {
					m.logger.WarnContext(ctx, "failed to remove session",
						logger.Component("session-manager"),
						logger.SessionID(id),
						logger.Error(err))
				}
			}
			continue
		}

		if s.Requests() > 0 || !s.IsExpiredAt(now) {
			continue
		}
		if err := s.invalidate(ctx, ReasonExpired); err != nil && !errors.Is(err, ErrIllegalState) {
			m.logger.WarnContext(ctx, "failed to invalidate expired session",
				logger.Component("session-manager"),
				logger.SessionID(id),
				logger.Error(err))
			continue
		}
		invalidated++
	}

	m.candidatesMu.Lock()
	for _, id := range snapshot {
		delete(m.candidates, id)
	}
	m.candidatesMu.Unlock()

	if n := m.scavenges.Add(1); n%orphanSweepEvery == 0 && m.scavengingInterval > 0 {
		before := now.Add(-orphanSweepEvery * m.scavengingInterval)
		if err := m.cache.CleanOrphans(ctx, before); err != nil {
			m.logger.WarnContext(ctx, "orphan session cleanup failed",
				logger.Component("session-manager"),
				logger.Error(err))
		}
	}

	m.logger.DebugContext(ctx, "scavenge finished",
		logger.Component("session-manager"),
		logger.Count("candidates", len(snapshot)),
		logger.Count("invalidated", invalidated))
	return nil
}

// sessionHandler implementation.

func (m *Manager) evictionPolicy(tempResident bool) time.Duration {
	return m.cache.evictionPolicy(tempResident)
}

func (m *Manager) releaseSession(ctx context.Context, s *ManagedSession) error {
	return m.cache.Release(ctx, s)
}

func (m *Manager) removeSession(ctx context.Context, s *ManagedSession, reason DestroyReason) error {
	id := s.ID()
	_, err := m.cache.Delete(ctx, id)

	m.candidatesMu.Lock()
	delete(m.candidates, id)
	m.candidatesMu.Unlock()

	m.stats.sessionDestroyed(time.Since(s.CreationTime()), reason == ReasonExpired)
	m.logger.DebugContext(ctx, "session destroyed",
		logger.Component("session-manager"),
		logger.SessionID(id),
		logger.Reason(string(reason)),
		logger.Error(err))
	return err
}

func (m *Manager) inactivityTimerExpired(s *ManagedSession, now time.Time) {
	expireOrEvict(context.Background(), m.cache, s, now, m.addCandidate)
}

func (m *Manager) log() *slog.Logger {
	return m.logger
}

func (m *Manager) sessionDestroyed(ctx context.Context, s *ManagedSession) {
	m.forEachListener(ctx, "session destroyed", true, func(l Listener) {
		l.SessionDestroyed(ctx, s)
	})
}

func (m *Manager) sessionEvicted(ctx context.Context, s *ManagedSession) {
	m.forEachListener(ctx, "session evicted", false, func(l Listener) {
		l.SessionEvicted(ctx, s)
	})
}

func (m *Manager) sessionResided(ctx context.Context, s *ManagedSession) {
	m.stats.observeActive(int64(m.cache.Len()))
	m.forEachListener(ctx, "session resided", false, func(l Listener) {
		l.SessionResided(ctx, s)
	})
}

func (m *Manager) attributeAdded(ctx context.Context, s *ManagedSession, name string, value any) {
	m.forEachListener(ctx, "attribute added", false, func(l Listener) {
		l.AttributeAdded(ctx, s, name, value)
	})
}

func (m *Manager) attributeUpdated(ctx context.Context, s *ManagedSession, name string, newValue, oldValue any) {
	m.forEachListener(ctx, "attribute updated", false, func(l Listener) {
		l.AttributeUpdated(ctx, s, name, newValue, oldValue)
	})
}

func (m *Manager) attributeRemoved(ctx context.Context, s *ManagedSession, name string, oldValue any) {
	m.forEachListener(ctx, "attribute removed", false, func(l Listener) {
		l.AttributeRemoved(ctx, s, name, oldValue)
	})
}

// forEachListener calls fn for every listener, in reverse registration order when reverse is set.
// A panicking listener is logged and does not stop the others.
func (m *Manager) forEachListener(ctx context.Context, event string, reverse bool, fn func(Listener)) {
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()

	if reverse {
		slices.Reverse(listeners)
	}
	for _, l := range listeners {
		m.callListener(ctx, event, l, fn)
	}
}

func (m *Manager) callListener(ctx context.Context, event string, l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "session listener panicked",
				logger.Component("session-manager"),
				logger.Event(event),
				slog.Any("panic", r),
				logger.Stack())
		}
	}()
	fn(l)
}

var _ sessionHandler = (*Manager)(nil)
