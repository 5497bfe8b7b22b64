package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// State is the lifecycle state of a session. Transitions only go forward:
// StateValid -> StateInvalidating -> StateInvalid.
type State int32

const (
	StateValid State = iota
	StateInvalidating
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateInvalidating:
		return "invalidating"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// DestroyReason tells why a session was invalidated.
type DestroyReason string

const (
	ReasonInvalidated DestroyReason = "invalidated"
	ReasonExpired     DestroyReason = "expired"
	ReasonShutdown    DestroyReason = "shutdown"
)

// Session is the API request handling code works with.
type Session interface {
	ID() string
	// Attribute returns nil for missing attributes and for invalidated sessions.
	Attribute(name string) any
	// SetAttribute stores an attribute. A nil value removes it.
	SetAttribute(ctx context.Context, name string, value any) error
	RemoveAttribute(ctx context.Context, name string) error
	AttributeNames() []string
	CreationTime() time.Time
	LastAccessedTime() time.Time
	MaxInactiveInterval() time.Duration
	SetMaxInactiveInterval(d time.Duration)
	IsNew() bool
	IsValid() bool
	// IsTempResident reports whether the session is new and holds no attributes yet.
	IsTempResident() bool
	// Access enters a request. It returns false when the session cannot be used.
	Access(ctx context.Context) bool
	// Complete leaves a request entered with Access.
	Complete(ctx context.Context) error
	Invalidate(ctx context.Context) error
	DestroyedReason() DestroyReason
}

// sessionHandler is the narrow view a session has of whoever owns it.
// It is implemented by Manager, and by the Cache itself when used standalone.
type sessionHandler interface {
	evictionPolicy(tempResident bool) time.Duration
	releaseSession(ctx context.Context, s *ManagedSession) error
	removeSession(ctx context.Context, s *ManagedSession, reason DestroyReason) error
	inactivityTimerExpired(s *ManagedSession, now time.Time)
	log() *slog.Logger

	sessionDestroyed(ctx context.Context, s *ManagedSession)
	sessionEvicted(ctx context.Context, s *ManagedSession)
	sessionResided(ctx context.Context, s *ManagedSession)
	attributeAdded(ctx context.Context, s *ManagedSession, name string, value any)
	attributeUpdated(ctx context.Context, s *ManagedSession, name string, newValue, oldValue any)
	attributeRemoved(ctx context.Context, s *ManagedSession, name string, oldValue any)
}

// ManagedSession is the Session implementation owned by a Cache.
// A single mutex guards every state transition; listeners and store
// callbacks that may re-enter the session run with the mutex released.
type ManagedSession struct {
	mu sync.Mutex

	handler         sessionHandler
	data            *Data
	state           State
	requests        int
	resident        bool
	newSession      bool
	destroyedReason DestroyReason
	timer           *inactivityTimer
}

func newManagedSession(h sessionHandler, data *Data, isNew bool) *ManagedSession {
	s := &ManagedSession{
		handler:    h,
		data:       data,
		state:      StateValid,
		resident:   true,
		newSession: isNew,
	}
	s.timer = &inactivityTimer{session: s}
	return s
}

// ID returns the current session id.
func (s *ManagedSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ID()
}

func (s *ManagedSession) Attribute(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInvalid {
		return nil
	}
	return s.data.Attribute(name)
}

func (s *ManagedSession) SetAttribute(ctx context.Context, name string, value any) error {
	if value == nil {
		return s.RemoveAttribute(ctx, name)
	}

	s.mu.Lock()
	if s.state == StateInvalid {
		s.mu.Unlock()
		return ErrInvalidSession
	}
	first := s.data.AttributeCount() == 0
	old := s.data.SetAttribute(name, value)
	if first && s.data.ExtraInactiveInterval() > 0 {
		// Session is no longer throwaway: restore the full TTL.
		s.data.SetExtraInactiveInterval(0)
		s.data.CalcAndSetExpiry(s.data.Accessed())
	}
	s.mu.Unlock()

	if old == nil {
		s.handler.attributeAdded(ctx, s, name, value)
	} else {
		s.handler.attributeUpdated(ctx, s, name, value, old)
	}
	return nil
}

func (s *ManagedSession) RemoveAttribute(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.state == StateInvalid {
		s.mu.Unlock()
		return ErrInvalidSession
	}
	old := s.data.RemoveAttribute(name)
	s.mu.Unlock()

	if old != nil {
		s.handler.attributeRemoved(ctx, s, name, old)
	}
	return nil
}

func (s *ManagedSession) AttributeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInvalid {
		return nil
	}
	return s.data.AttributeNames()
}

func (s *ManagedSession) CreationTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Created()
}

func (s *ManagedSession) LastAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastAccessed()
}

func (s *ManagedSession) MaxInactiveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InactiveInterval()
}

// SetMaxInactiveInterval changes the TTL and reschedules the inactivity timer of an idle session.
func (s *ManagedSession) SetMaxInactiveInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.data.SetInactiveInterval(d)
	s.data.CalcAndSetExpiry(now)
	if s.requests <= 0 && s.resident && s.state == StateValid {
		s.timer.schedule(s.calculateInactivityTimeout(now))
	}
}

func (s *ManagedSession) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSession
}

func (s *ManagedSession) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateValid
}

func (s *ManagedSession) IsTempResident() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTempResident()
}

func (s *ManagedSession) isTempResident() bool {
	return s.newSession && s.data.AttributeCount() == 0
}

// IsResident reports whether the session is held by the cache.
func (s *ManagedSession) IsResident() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident
}

// State returns the lifecycle state.
func (s *ManagedSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Requests returns the number of requests currently holding the session.
func (s *ManagedSession) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Expiry returns the absolute expiry time, zero for immortal sessions.
func (s *ManagedSession) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Expiry()
}

// IsExpiredAt reports whether the session has expired at t.
func (s *ManagedSession) IsExpiredAt(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.IsExpiredAt(t)
}

func (s *ManagedSession) DestroyedReason() DestroyReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyedReason
}

// Data returns a copy of the session data.
func (s *ManagedSession) Data() *Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Copy()
}

func (s *ManagedSession) Access(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateValid || !s.resident {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	if s.data.IsExpiredAt(now) {
		s.mu.Unlock()
		if err := s.invalidate(ctx, ReasonExpired); err != nil {
			s.handler.log().DebugContext(ctx, "expired session already invalidated",
				logger.SessionID(s.ID()),
				logger.Error(err))
		}
		return false
	}

	if s.newSession {
		s.newSession = false
		s.data.SetExtraInactiveInterval(0)
	}
	s.data.SetAccessed(now)
	s.data.CalcAndSetExpiry(now)
	s.requests++
	s.timer.cancel()
	s.mu.Unlock()
	return true
}

// use enters a request without touching the access times.
// The creating request holds a new session this way.
func (s *ManagedSession) use() {
	s.requests++
	s.timer.cancel()
}

func (s *ManagedSession) Complete(ctx context.Context) error {
	s.mu.Lock()
	s.requests--
	if s.requests < 0 {
		s.requests = 0
		s.mu.Unlock()
		return ErrRequestUnderflow
	}
	if s.requests > 0 {
		s.mu.Unlock()
		return nil
	}

	valid := s.state == StateValid
	if valid {
		s.data.CalcAndSetExpiry(time.Now())
	}
	s.mu.Unlock()

	var err error
	if valid {
		err = s.handler.releaseSession(ctx, s)
	}

	s.mu.Lock()
	if s.requests == 0 && s.resident && s.state == StateValid {
		s.timer.schedule(s.calculateInactivityTimeout(time.Now()))
	}
	s.mu.Unlock()
	return err
}

// Invalidate terminates the session. Concurrent calls are coalesced;
// invalidating an already invalid session returns ErrAlreadyInvalid.
func (s *ManagedSession) Invalidate(ctx context.Context) error {
	return s.invalidate(ctx, ReasonInvalidated)
}

func (s *ManagedSession) invalidate(ctx context.Context, reason DestroyReason) error {
	ok, err := s.beginInvalidate(reason)
	if err != nil || !ok {
		return err
	}

	s.handler.sessionDestroyed(ctx, s)
	s.finishInvalidate(ctx)
	return s.handler.removeSession(ctx, s, reason)
}

// beginInvalidate moves the session to StateInvalidating.
// It reports false without error when another caller is already invalidating.
func (s *ManagedSession) beginInvalidate(reason DestroyReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInvalid:
		return false, ErrAlreadyInvalid
	case StateInvalidating:
		return false, nil
	}
	s.state = StateInvalidating
	s.destroyedReason = reason
	s.timer.cancel()
	return true, nil
}

// finishInvalidate clears attributes until none are left, since removal
// listeners may add new ones, then marks the session invalid.
func (s *ManagedSession) finishInvalidate(ctx context.Context) {
	for {
		s.mu.Lock()
		attrs := s.data.takeAttributes()
		s.mu.Unlock()
		if len(attrs) == 0 {
			break
		}
		for _, name := range slices.Sorted(maps.Keys(attrs)) {
			s.handler.attributeRemoved(ctx, s, name, attrs[name])
		}
	}

	s.mu.Lock()
	s.state = StateInvalid
	s.timer.destroy()
	s.mu.Unlock()
}

// calculateInactivityTimeout returns the delay until the next inactivity check.
// A negative result means no timer is needed. Must be called with s.mu held.
func (s *ManagedSession) calculateInactivityTimeout(now time.Time) time.Duration {
	policy := s.handler.evictionPolicy(s.isTempResident())
	expiry := s.data.Expiry()

	if expiry.IsZero() {
		if policy > 0 {
			return policy
		}
		return -1
	}

	remaining := expiry.Sub(now)
	switch {
	case policy == NeverEvict:
		return max(remaining, 0)
	case policy == EvictOnSessionExit:
		return -1
	case remaining <= 0:
		return 0
	default:
		return min(remaining, policy)
	}
}

// onTimer runs when the inactivity timer scheduled with the given generation fires.
func (s *ManagedSession) onTimer(gen uint64) {
	s.mu.Lock()
	if !s.timer.current(gen) {
		s.mu.Unlock()
		return
	}
	s.timer.fired()
	s.mu.Unlock()

	s.handler.inactivityTimerExpired(s, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.timer.idleSince(gen) && s.resident && s.requests <= 0 &&
		s.state == StateValid && !s.data.IsExpiredAt(now) {
		s.timer.schedule(s.calculateInactivityTimeout(now))
	}
}

var _ Session = (*ManagedSession)(nil)
