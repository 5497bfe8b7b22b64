package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/session"
)

func newTestSession(t *testing.T, ttl time.Duration, opts ...session.CacheOption) (*session.Cache, *session.ManagedSession) {
	t.Helper()
	cache := session.NewCache(session.NewMemoryStore(), opts...)
	s, err := cache.Add(context.Background(), "s1", time.Now(), ttl)
	require.NoError(t, err)
	return cache, s
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "valid", session.StateValid.String())
	assert.Equal(t, "invalidating", session.StateInvalidating.String())
	assert.Equal(t, "invalid", session.StateInvalid.String())
	assert.Equal(t, "unknown", session.State(42).String())
}

func TestSession_AccessComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, time.Hour)

	created := s.LastAccessedTime()
	time.Sleep(5 * time.Millisecond)

	require.True(t, s.Access(ctx))
	assert.False(t, s.IsNew())
	assert.Equal(t, 1, s.Requests())
	assert.True(t, s.LastAccessedTime().Equal(created), "last accessed reports the previous access")

	require.True(t, s.Access(ctx))
	assert.Equal(t, 2, s.Requests())

	require.NoError(t, s.Complete(ctx))
	require.NoError(t, s.Complete(ctx))
	assert.Equal(t, 0, s.Requests())
	assert.True(t, s.IsValid())
}

func TestSession_CompleteUnderflow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, time.Hour)

	err := s.Complete(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrIllegalState)
	assert.ErrorIs(t, err, session.ErrRequestUnderflow)
	assert.Equal(t, 0, s.Requests())

	// The counter is usable afterwards.
	require.True(t, s.Access(ctx))
	assert.Equal(t, 1, s.Requests())
}

func TestSession_AccessExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, s := newTestSession(t, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	assert.False(t, s.Access(ctx))
	assert.Equal(t, session.StateInvalid, s.State())
	assert.Equal(t, session.ReasonExpired, s.DestroyedReason())
	assert.False(t, cache.Contains("s1"))
}

func TestSession_AccessEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, s := newTestSession(t, time.Hour, session.WithEvictionIdle(session.EvictOnSessionExit))

	require.NoError(t, cache.Release(ctx, s))
	require.False(t, s.IsResident())

	assert.False(t, s.Access(ctx), "evicted instances must be reloaded through the cache")
}

func TestSession_Invalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, s := newTestSession(t, time.Hour, session.WithSaveOnCreate(true))
	require.NoError(t, s.SetAttribute(ctx, "user", "alice"))

	require.NoError(t, s.Invalidate(ctx))
	assert.False(t, s.IsValid())
	assert.Equal(t, session.ReasonInvalidated, s.DestroyedReason())
	assert.False(t, cache.Contains("s1"))

	exists, err := cache.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.Invalidate(ctx)
	assert.ErrorIs(t, err, session.ErrAlreadyInvalid)
	assert.ErrorIs(t, err, session.ErrIllegalState)
}

func TestSession_WritesAfterInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, time.Hour)
	require.NoError(t, s.SetAttribute(ctx, "user", "alice"))
	require.NoError(t, s.Invalidate(ctx))

	assert.ErrorIs(t, s.SetAttribute(ctx, "user", "bob"), session.ErrInvalidSession)
	assert.ErrorIs(t, s.RemoveAttribute(ctx, "user"), session.ErrInvalidSession)
	assert.Nil(t, s.Attribute("user"))
	assert.Empty(t, s.AttributeNames())
	assert.False(t, s.Access(ctx))
}

func TestSession_Attributes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, time.Hour)

	assert.True(t, s.IsTempResident())
	require.NoError(t, s.SetAttribute(ctx, "b", 1))
	require.NoError(t, s.SetAttribute(ctx, "a", 2))
	assert.False(t, s.IsTempResident())
	assert.Equal(t, []string{"a", "b"}, s.AttributeNames())

	require.NoError(t, s.SetAttribute(ctx, "a", nil))
	assert.Nil(t, s.Attribute("a"))
	assert.Equal(t, []string{"b"}, s.AttributeNames())

	require.NoError(t, s.RemoveAttribute(ctx, "missing"))

	// Data is a detached copy.
	d := s.Data()
	d.SetAttribute("b", 99)
	assert.Equal(t, 1, s.Attribute("b"))
}

func TestSession_ImmortalSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, 0)

	assert.True(t, s.Expiry().IsZero())
	assert.False(t, s.IsExpiredAt(time.Now().Add(1000*time.Hour)))

	require.True(t, s.Access(ctx))
	require.NoError(t, s.Complete(ctx))
	assert.True(t, s.IsValid())
	assert.True(t, s.Expiry().IsZero())
}

func TestSession_SetMaxInactiveInterval(t *testing.T) {
	t.Parallel()
	_, s := newTestSession(t, time.Hour)

	before := time.Now()
	s.SetMaxInactiveInterval(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, s.MaxInactiveInterval())
	assert.False(t, s.Expiry().Before(before.Add(20*time.Millisecond)))

	// The rescheduled timer expires the idle session.
	assert.Eventually(t, func() bool {
		return s.State() == session.StateInvalid
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.ReasonExpired, s.DestroyedReason())
}

func TestSession_CompleteRecomputesExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newTestSession(t, time.Hour)

	require.True(t, s.Access(ctx))
	time.Sleep(5 * time.Millisecond)
	completed := time.Now()
	require.NoError(t, s.Complete(ctx))

	assert.False(t, s.Expiry().Before(completed.Add(time.Hour)))
}
