package session

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// NonPersistent is implemented by attribute values that must never be written to a session store.
// Such attributes live only as long as the session stays resident in memory.
type NonPersistent interface {
	NonPersistent()
}

// Data holds the persistable state of a session: identity, timestamps, TTL and attributes.
// All methods are safe for concurrent use.
type Data struct {
	mu sync.RWMutex

	id           string
	created      time.Time
	accessed     time.Time
	lastAccessed time.Time

	// inactiveInterval <= 0 means the session never expires.
	inactiveInterval time.Duration
	// extraInactiveInterval shortens the TTL of brand-new sessions until they prove to be reused.
	extraInactiveInterval time.Duration
	// expiry is the zero time for immortal sessions.
	expiry time.Time

	dirty     bool
	lastSaved time.Time

	attributes map[string]any
}

// NewData creates session data for a new session created at the given time.
// The data starts dirty so the first save always reaches the store.
func NewData(id string, created time.Time, inactiveInterval time.Duration) *Data {
	d := &Data{
		id:               id,
		created:          created,
		accessed:         created,
		lastAccessed:     created,
		inactiveInterval: inactiveInterval,
		dirty:            true,
		attributes:       make(map[string]any),
	}
	d.expiry = d.calcExpiry(created)
	return d
}

// ID returns the session id.
func (d *Data) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// SetID renames the session. Used when the session id is renewed.
func (d *Data) SetID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = id
}

// Created returns the session creation time.
func (d *Data) Created() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.created
}

// Accessed returns the start time of the most recent request.
func (d *Data) Accessed() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accessed
}

// LastAccessed returns the start time of the request before the most recent one.
func (d *Data) LastAccessed() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastAccessed
}

// SetAccessed records a new access, shifting the previous access time into LastAccessed.
func (d *Data) SetAccessed(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAccessed = d.accessed
	d.accessed = t
}

// InactiveInterval returns the session TTL. A value <= 0 means the session is immortal.
func (d *Data) InactiveInterval() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inactiveInterval
}

// SetInactiveInterval changes the session TTL and marks the data dirty.
// The expiry is not recalculated; call CalcAndSetExpiry afterwards.
func (d *Data) SetInactiveInterval(ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactiveInterval = ttl
	d.dirty = true
}

// ExtraInactiveInterval returns the TTL reduction applied to a new, still empty session.
func (d *Data) ExtraInactiveInterval() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.extraInactiveInterval
}

// SetExtraInactiveInterval sets the TTL reduction. Negative values are treated as zero.
func (d *Data) SetExtraInactiveInterval(extra time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extraInactiveInterval = max(extra, 0)
	d.dirty = true
}

// Expiry returns the absolute expiry time, or the zero time for immortal sessions.
func (d *Data) Expiry() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.expiry
}

// SetExpiry overrides the expiry time. Used when restoring data from a store.
func (d *Data) SetExpiry(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expiry = t
}

// CalcExpiry returns the expiry the session would have if accessed at t.
func (d *Data) CalcExpiry(t time.Time) time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.calcExpiry(t)
}

// CalcAndSetExpiry recomputes the expiry relative to t.
func (d *Data) CalcAndSetExpiry(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expiry = d.calcExpiry(t)
}

func (d *Data) calcExpiry(t time.Time) time.Time {
	if d.inactiveInterval <= 0 {
		return time.Time{}
	}
	ttl := d.inactiveInterval
	if d.extraInactiveInterval > 0 && d.extraInactiveInterval < ttl {
		ttl -= d.extraInactiveInterval
	}
	return t.Add(ttl)
}

// IsExpiredAt reports whether the session has expired at time t.
// Immortal sessions never expire.
func (d *Data) IsExpiredAt(t time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.expiry.IsZero() {
		return false
	}
	return !d.expiry.After(t)
}

// IsDirty reports whether the data changed since the last successful save.
func (d *Data) IsDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

// SetDirty marks the data as changed or persisted.
func (d *Data) SetDirty(dirty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = dirty
}

// LastSaved returns the time of the last successful store write, or the zero time if never saved.
func (d *Data) LastSaved() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSaved
}

// SetLastSaved records the time of a store write.
func (d *Data) SetLastSaved(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSaved = t
}

// Attribute returns the named attribute, or nil.
func (d *Data) Attribute(name string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attributes[name]
}

// SetAttribute stores an attribute and returns the previous value.
func (d *Data) SetAttribute(name string, value any) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.attributes[name]
	d.attributes[name] = value
	d.dirty = true
	return old
}

// RemoveAttribute deletes an attribute and returns the removed value.
// Removing a missing attribute does not mark the data dirty.
func (d *Data) RemoveAttribute(name string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.attributes[name]
	if !ok {
		return nil
	}
	delete(d.attributes, name)
	d.dirty = true
	return old
}

// AttributeNames returns the attribute names in sorted order.
func (d *Data) AttributeNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.attributes))
}

// Attributes returns a shallow copy of the attribute map.
func (d *Data) Attributes() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.attributes)
}

// AttributeCount returns the number of attributes.
func (d *Data) AttributeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.attributes)
}

// takeAttributes removes every attribute and returns them.
func (d *Data) takeAttributes() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.attributes) == 0 {
		return nil
	}
	taken := d.attributes
	d.attributes = make(map[string]any)
	d.dirty = true
	return taken
}

// Copy returns a copy of the data with the attribute map cloned.
func (d *Data) Copy() *Data {
	return d.copyData(nil, false)
}

// PersistentCopy returns a copy without the named attributes and without NonPersistent values.
func (d *Data) PersistentCopy(skip map[string]struct{}) *Data {
	return d.copyData(skip, true)
}

func (d *Data) copyData(skip map[string]struct{}, persistentOnly bool) *Data {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := &Data{
		id:                    d.id,
		created:               d.created,
		accessed:              d.accessed,
		lastAccessed:          d.lastAccessed,
		inactiveInterval:      d.inactiveInterval,
		extraInactiveInterval: d.extraInactiveInterval,
		expiry:                d.expiry,
		dirty:                 d.dirty,
		lastSaved:             d.lastSaved,
		attributes:            make(map[string]any, len(d.attributes)),
	}
	for k, v := range d.attributes {
		if _, ok := skip[k]; ok {
			continue
		}
		if _, ok := v.(NonPersistent); ok && persistentOnly {
			continue
		}
		c.attributes[k] = v
	}
	return c
}

// RestoreData rebuilds session data from persisted fields.
// Stores use it when decoding; the result is clean (not dirty).
func RestoreData(id string, created, accessed, lastAccessed time.Time, inactive, extra time.Duration, expiry time.Time, attrs map[string]any) *Data {
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &Data{
		id:                    id,
		created:               created,
		accessed:              accessed,
		lastAccessed:          lastAccessed,
		inactiveInterval:      inactive,
		extraInactiveInterval: extra,
		expiry:                expiry,
		attributes:            attrs,
	}
}
