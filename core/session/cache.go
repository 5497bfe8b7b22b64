package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// Cache keeps live sessions in memory in front of an optional Store.
// It decides when sessions are loaded, saved and evicted.
//
// Lock order: a session mutex may be held while taking the cache mutex, never the reverse.
type Cache struct {
	store   Store
	opts    cacheOptions
	handler sessionHandler
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ManagedSession
	loads    singleflight.Group

	// deleting counts in-flight store deletes per id; loads of those ids fail with ErrNotFound.
	deleting map[string]int
	// deleteSeq changes whenever a delete starts, so a load that raced one is retried.
	deleteSeq uint64
}

// NewCache creates a session cache. A nil store keeps sessions in memory only.
func NewCache(store Store, opts ...CacheOption) *Cache {
	o := cacheOptions{
		evictionIdle:       NeverEvict,
		evictionIdleForNew: NeverEvict,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache{
		store:    store,
		opts:     o,
		logger:   o.logger,
		sessions: make(map[string]*ManagedSession),
		deleting: make(map[string]int),
	}
	c.handler = &cacheHandler{cache: c}
	return c
}

// Validate reports options that only work with a store when the cache has none.
func (c *Cache) Validate() error {
	if c.store != nil {
		return nil
	}
	var missing []string
	if c.opts.clusterEnabled {
		missing = append(missing, "cluster mode")
	}
	if c.opts.saveOnCreate {
		missing = append(missing, "save on create")
	}
	if c.opts.saveOnInactiveEviction {
		missing = append(missing, "save on inactive eviction")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// Store returns the backing store, or nil.
func (c *Cache) Store() Store {
	return c.store
}

// EvictionPolicy returns the eviction policy applied to established sessions.
func (c *Cache) EvictionPolicy() time.Duration {
	return c.opts.evictionIdle
}

func (c *Cache) evictionPolicy(tempResident bool) time.Duration {
	if tempResident && evictsSooner(c.opts.evictionIdleForNew, c.opts.evictionIdle) {
		return c.opts.evictionIdleForNew
	}
	return c.opts.evictionIdle
}

func (c *Cache) lookup(id string) *ManagedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// Get returns the resident session or loads it from the store.
// Concurrent calls for the same id share one store load.
func (c *Cache) Get(ctx context.Context, id string) (*ManagedSession, error) {
	if s := c.lookup(id); s != nil {
		return s, nil
	}
	if c.store == nil {
		return nil, ErrNotFound
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		if s := c.lookup(id); s != nil {
			return s, nil
		}
		return c.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ManagedSession), nil
}

func (c *Cache) load(ctx context.Context, id string) (*ManagedSession, error) {
	for {
		s, retry, err := c.loadOnce(ctx, id)
		if !retry {
			return s, err
		}
	}
}

// loadOnce reads the record and installs it. It asks for a retry when a
// delete of any id started while the record was being read, since the
// record may be gone by now.
func (c *Cache) loadOnce(ctx context.Context, id string) (*ManagedSession, bool, error) {
	c.mu.RLock()
	seq, deleting := c.deleteSeq, c.deleting[id] > 0
	c.mu.RUnlock()
	if deleting {
		return nil, false, ErrNotFound
	}

	data, err := c.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnreadableData) && c.opts.removeUnloadable {
			if _, derr := c.store.Delete(ctx, id); derr != nil {
				c.logger.WarnContext(ctx, "failed to remove unloadable session",
					logger.Component("session-cache"),
					logger.SessionID(id),
					logger.Error(derr))
			} else {
				c.logger.InfoContext(ctx, "removed unloadable session",
					logger.Component("session-cache"),
					logger.SessionID(id))
			}
		}
		return nil, false, err
	}

	s := newManagedSession(c.handler, data, false)

	c.mu.Lock()
	if existing, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return existing, false, nil
	}
	if c.deleting[id] > 0 {
		c.mu.Unlock()
		return nil, false, ErrNotFound
	}
	if c.deleteSeq != seq {
		c.mu.Unlock()
		return nil, true, nil
	}
	c.sessions[id] = s
	c.mu.Unlock()

	c.handler.sessionResided(ctx, s)

	s.mu.Lock()
	if s.requests == 0 && s.state == StateValid && s.resident {
		s.timer.schedule(s.calculateInactivityTimeout(time.Now()))
	}
	s.mu.Unlock()
	return s, false, nil
}

// Add creates a new resident session.
// It fails with ErrSessionExists when id is resident and with ErrMaxSessionsExceeded at capacity.
func (c *Cache) Add(ctx context.Context, id string, created time.Time, ttl time.Duration) (*ManagedSession, error) {
	s := newManagedSession(c.handler, NewData(id, created, ttl), true)

	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return nil, ErrSessionExists
	}
	if c.opts.maxActiveSessions > 0 && len(c.sessions) >= c.opts.maxActiveSessions {
		c.mu.Unlock()
		return nil, ErrMaxSessionsExceeded
	}
	c.sessions[id] = s
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.opts.saveOnCreate && c.store != nil {
		if err := c.store.Save(ctx, id, s.data); err != nil {
			c.detach(s)
			return nil, err
		}
	}
	s.timer.schedule(s.calculateInactivityTimeout(created))
	return s, nil
}

// Release is called when the last request leaves a session.
// The session is saved when a store exists, then evicted if the policy is EvictOnSessionExit.
func (c *Cache) Release(ctx context.Context, s *ManagedSession) error {
	s.mu.Lock()
	if s.requests > 0 || s.state != StateValid {
		s.mu.Unlock()
		return nil
	}

	id := s.data.ID()
	if c.store != nil {
		if err := c.store.Save(ctx, id, s.data); err != nil {
			s.mu.Unlock()
			c.logger.ErrorContext(ctx, "failed to save released session",
				logger.Component("session-cache"),
				logger.SessionID(id),
				logger.Error(err))
			return err
		}
	}

	evicted := false
	if s.resident && c.evictionPolicy(s.isTempResident()) == EvictOnSessionExit {
		c.detach(s)
		evicted = true
	}
	s.mu.Unlock()

	if evicted {
		c.handler.sessionEvicted(ctx, s)
	}
	return nil
}

// Refresh reloads an idle session from the shared store in cluster mode.
// It returns ErrNotFound and drops the session when another node deleted it.
func (c *Cache) Refresh(ctx context.Context, s *ManagedSession) error {
	if !c.opts.clusterEnabled || c.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests > 0 || s.state != StateValid || !s.resident {
		return nil
	}

	id := s.data.ID()
	data, err := c.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.detach(s)
		}
		return err
	}
	s.data = data
	s.newSession = false
	return nil
}

// CheckInactiveSession evicts an idle session whose eviction threshold has passed.
// It reports whether the session was evicted.
func (c *Cache) CheckInactiveSession(ctx context.Context, s *ManagedSession) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	policy := c.evictionPolicy(s.isTempResident())
	if policy == NeverEvict || s.data.Accessed().Add(policy).After(now) {
		s.mu.Unlock()
		return false, nil
	}
	if s.state != StateValid || !s.resident || s.requests > 0 {
		s.mu.Unlock()
		return false, nil
	}

	id := s.data.ID()
	if (c.opts.clusterEnabled || c.opts.saveOnInactiveEviction) && c.store != nil {
		if err := c.store.Save(ctx, id, s.data); err != nil {
			s.mu.Unlock()
			return false, err
		}
	}
	c.detach(s)
	s.mu.Unlock()

	c.logger.DebugContext(ctx, "evicted inactive session",
		logger.Component("session-cache"),
		logger.SessionID(id))
	c.handler.sessionEvicted(ctx, s)
	return true, nil
}

// detach removes the session from memory. Must be called with s.mu held.
func (c *Cache) detach(s *ManagedSession) {
	id := s.data.ID()
	c.mu.Lock()
	if c.sessions[id] == s {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	s.resident = false
	s.timer.destroy()
}

// beginDelete blocks loads of id until endDelete. Must be called with c.mu held.
func (c *Cache) beginDelete(id string) {
	c.deleting[id]++
	c.deleteSeq++
}

func (c *Cache) endDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleting[id]--; c.deleting[id] <= 0 {
		delete(c.deleting, id)
	}
}

// Delete removes the session from the store and then from memory.
// The resident session stays visible until the store record is gone, and
// loads of id fail with ErrNotFound meanwhile.
// It reports whether the session existed in either.
func (c *Cache) Delete(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.beginDelete(id)
	c.mu.Unlock()
	defer c.endDelete(id)

	var (
		stored bool
		err    error
	)
	if c.store != nil {
		stored, err = c.store.Delete(ctx, id)
	}

	if ok {
		c.mu.Lock()
		removed := c.sessions[id] == s
		if removed {
			delete(c.sessions, id)
		}
		c.mu.Unlock()

		if removed {
			s.mu.Lock()
			s.resident = false
			s.timer.destroy()
			s.mu.Unlock()
		}
	}
	return ok || stored, err
}

// RenewSessionID moves a session to a new id in memory and in the store.
// Loads of oldID fail with ErrNotFound from the moment the session moves.
func (c *Cache) RenewSessionID(ctx context.Context, oldID, newID string) (*ManagedSession, error) {
	s, err := c.residentForUpdate(ctx, oldID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.state != StateValid {
		return nil, ErrInvalidSession
	}

	c.mu.Lock()
	if _, taken := c.sessions[newID]; taken {
		c.mu.Unlock()
		return nil, ErrSessionExists
	}
	if c.sessions[oldID] == s {
		delete(c.sessions, oldID)
	}
	c.sessions[newID] = s
	c.beginDelete(oldID)
	c.mu.Unlock()
	defer c.endDelete(oldID)

	s.data.SetID(newID)
	s.data.SetLastSaved(time.Time{})
	s.data.SetDirty(true)

	if c.store != nil {
		if _, err := c.store.Delete(ctx, oldID); err != nil {
			return s, err
		}
		if err := c.store.Save(ctx, newID, s.data); err != nil {
			return s, err
		}
	}
	return s, nil
}

// residentForUpdate returns the session locked, looking it up again when it
// was evicted before the lock was taken.
func (c *Cache) residentForUpdate(ctx context.Context, id string) (*ManagedSession, error) {
	for {
		s, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.resident || s.state != StateValid {
			return s, nil
		}
		s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Exists reports whether the session is resident or stored and unexpired.
func (c *Cache) Exists(ctx context.Context, id string) (bool, error) {
	if c.Contains(id) {
		return true, nil
	}
	if c.store == nil {
		return false, nil
	}
	return c.store.Exists(ctx, id)
}

// Contains reports whether the session is resident. The store is not consulted.
func (c *Cache) Contains(id string) bool {
	return c.lookup(id) != nil
}

// CheckExpiration returns the candidates the store confirms as expired, plus
// any long-expired sessions it finds. Without a store the candidates are returned as is.
func (c *Cache) CheckExpiration(ctx context.Context, candidates []string) ([]string, error) {
	if c.store == nil {
		return slices.Clone(candidates), nil
	}
	return c.store.GetExpired(ctx, candidates)
}

// CleanOrphans deletes stored sessions that expired before the given time.
func (c *Cache) CleanOrphans(ctx context.Context, before time.Time) error {
	if c.store == nil {
		return nil
	}
	return c.store.CleanOrphans(ctx, before)
}

// ResidentIDs returns the ids of resident sessions.
func (c *Cache) ResidentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.sessions))
}

// Len returns the number of resident sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cache) residents() []*ManagedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Collect(maps.Values(c.sessions))
}

// Shutdown empties the cache. With a store, sessions are saved and evicted so
// another node or a restart can pick them up; otherwise, or when
// InvalidateOnShutdown is set, they are invalidated.
func (c *Cache) Shutdown(ctx context.Context) error {
	sessions := c.residents()
	if len(sessions) == 0 {
		return nil
	}

	passivate := c.store != nil && !c.opts.invalidateOnShutdown

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, s := range sessions {
		g.Go(func() error {
			var err error
			if passivate {
				err = c.passivate(ctx, s)
			} else {
				err = s.invalidate(ctx, ReasonShutdown)
				if errors.Is(err, ErrIllegalState) {
					err = nil
				}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.InfoContext(ctx, "session cache shut down",
		logger.Component("session-cache"),
		logger.Count("sessions", len(sessions)),
		logger.Count("failed", len(errs)))
	return errors.Join(errs...)
}

func (c *Cache) passivate(ctx context.Context, s *ManagedSession) error {
	s.mu.Lock()
	if s.state != StateValid || !s.resident {
		s.mu.Unlock()
		return nil
	}
	id := s.data.ID()
	if err := c.store.Save(ctx, id, s.data); err != nil {
		s.mu.Unlock()
		return err
	}
	c.detach(s)
	s.mu.Unlock()

	c.handler.sessionEvicted(ctx, s)
	return nil
}

// setHandler replaces the owner notified by sessions. Must be called before any session exists.
func (c *Cache) setHandler(h sessionHandler) {
	c.handler = h
}

// cacheHandler owns sessions of a Cache used without a Manager.
// It has no listeners; expired sessions are invalidated as soon as their timer fires.
type cacheHandler struct {
	cache *Cache
}

func (h *cacheHandler) evictionPolicy(tempResident bool) time.Duration {
	return h.cache.evictionPolicy(tempResident)
}

func (h *cacheHandler) releaseSession(ctx context.Context, s *ManagedSession) error {
	return h.cache.Release(ctx, s)
}

func (h *cacheHandler) removeSession(ctx context.Context, s *ManagedSession, _ DestroyReason) error {
	_, err := h.cache.Delete(ctx, s.ID())
	return err
}

func (h *cacheHandler) inactivityTimerExpired(s *ManagedSession, now time.Time) {
	expireOrEvict(context.Background(), h.cache, s, now, nil)
}

func (h *cacheHandler) log() *slog.Logger { return h.cache.logger }

func (h *cacheHandler) sessionDestroyed(context.Context, *ManagedSession)                   {}
func (h *cacheHandler) sessionEvicted(context.Context, *ManagedSession)                     {}
func (h *cacheHandler) sessionResided(context.Context, *ManagedSession)                     {}
func (h *cacheHandler) attributeAdded(context.Context, *ManagedSession, string, any)        {}
func (h *cacheHandler) attributeRemoved(context.Context, *ManagedSession, string, any)      {}
func (h *cacheHandler) attributeUpdated(context.Context, *ManagedSession, string, any, any) {}

// expireOrEvict handles a fired inactivity timer. An expired session is handed to
// markCandidate when it is set, otherwise invalidated right away; a live one is
// offered to the cache for inactive eviction.
func expireOrEvict(ctx context.Context, c *Cache, s *ManagedSession, now time.Time, markCandidate func(id string) bool) {
	s.mu.Lock()
	if s.requests > 0 || s.state != StateValid {
		s.mu.Unlock()
		return
	}
	expired := s.data.IsExpiredAt(now)
	id := s.data.ID()
	s.mu.Unlock()

	if expired {
		if markCandidate != nil && markCandidate(id) {
			return
		}
		if err := s.invalidate(ctx, ReasonExpired); err != nil && !errors.Is(err, ErrIllegalState) {
			c.logger.WarnContext(ctx, "failed to invalidate expired session",
				logger.Component("session-cache"),
				logger.SessionID(id),
				logger.Error(err))
		}
		return
	}

	if _, err := c.CheckInactiveSession(ctx, s); err != nil {
		c.logger.WarnContext(ctx, "failed to evict inactive session",
			logger.Component("session-cache"),
			logger.SessionID(id),
			logger.Error(err))
	}
}
