package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/session"
)

func TestNewData(t *testing.T) {
	t.Parallel()

	t.Run("mortal session expires after ttl", func(t *testing.T) {
		t.Parallel()
		now := time.Now()
		d := session.NewData("s1", now, time.Minute)

		assert.Equal(t, "s1", d.ID())
		assert.True(t, d.Created().Equal(now))
		assert.True(t, d.Accessed().Equal(now))
		assert.True(t, d.Expiry().Equal(now.Add(time.Minute)))
		assert.True(t, d.IsDirty(), "new data must reach the store on first save")
		assert.True(t, d.LastSaved().IsZero())

		assert.False(t, d.IsExpiredAt(now.Add(time.Minute-time.Millisecond)))
		assert.True(t, d.IsExpiredAt(now.Add(time.Minute)))
	})

	t.Run("immortal session never expires", func(t *testing.T) {
		t.Parallel()
		for _, ttl := range []time.Duration{0, -time.Second} {
			d := session.NewData("s1", time.Now(), ttl)
			assert.True(t, d.Expiry().IsZero())
			assert.False(t, d.IsExpiredAt(time.Now().Add(100*365*24*time.Hour)))
		}
	})
}

func TestData_ExtraInactiveInterval(t *testing.T) {
	t.Parallel()
	now := time.Now()
	d := session.NewData("s1", now, time.Hour)

	d.SetExtraInactiveInterval(50 * time.Minute)
	d.CalcAndSetExpiry(now)
	assert.True(t, d.Expiry().Equal(now.Add(10*time.Minute)))

	// A reduction not shorter than the TTL is ignored.
	d.SetExtraInactiveInterval(2 * time.Hour)
	assert.True(t, d.CalcExpiry(now).Equal(now.Add(time.Hour)))

	d.SetExtraInactiveInterval(-time.Minute)
	assert.Equal(t, time.Duration(0), d.ExtraInactiveInterval())
}

func TestData_SetAccessed(t *testing.T) {
	t.Parallel()
	created := time.Now()
	d := session.NewData("s1", created, time.Hour)

	later := created.Add(time.Second)
	d.SetAccessed(later)
	assert.True(t, d.Accessed().Equal(later))
	assert.True(t, d.LastAccessed().Equal(created))
}

func TestData_Attributes(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", time.Now(), time.Hour)
	d.SetDirty(false)

	assert.Nil(t, d.SetAttribute("b", 1))
	assert.True(t, d.IsDirty())
	assert.Equal(t, 1, d.SetAttribute("b", 2))
	d.SetAttribute("a", "x")

	assert.Equal(t, []string{"a", "b"}, d.AttributeNames())
	assert.Equal(t, 2, d.AttributeCount())
	assert.Equal(t, 2, d.Attribute("b"))

	d.SetDirty(false)
	assert.Nil(t, d.RemoveAttribute("missing"))
	assert.False(t, d.IsDirty(), "removing a missing attribute changes nothing")

	assert.Equal(t, "x", d.RemoveAttribute("a"))
	assert.True(t, d.IsDirty())
	assert.Equal(t, map[string]any{"b": 2}, d.Attributes())
}

func TestData_SetInactiveIntervalMarksDirty(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", time.Now(), time.Hour)
	d.SetDirty(false)

	d.SetInactiveInterval(time.Minute)
	assert.True(t, d.IsDirty())
	assert.Equal(t, time.Minute, d.InactiveInterval())
}

func TestData_PersistentCopy(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", time.Now(), time.Hour)
	d.SetAttribute("user", "alice")
	d.SetAttribute("token", secret{value: "t"})
	d.SetAttribute("csrf", "abc")

	c := d.PersistentCopy(map[string]struct{}{"csrf": {}})
	assert.Equal(t, []string{"user"}, c.AttributeNames())

	full := d.Copy()
	assert.Equal(t, []string{"csrf", "token", "user"}, full.AttributeNames())

	full.SetAttribute("user", "bob")
	assert.Equal(t, "alice", d.Attribute("user"), "copies do not share the attribute map")
}

func TestRestoreData(t *testing.T) {
	t.Parallel()
	now := time.Now()
	d := session.RestoreData("s1", now, now, now, time.Hour, 0, now.Add(time.Hour), nil)

	require.NotNil(t, d)
	assert.False(t, d.IsDirty())
	assert.Equal(t, 0, d.AttributeCount())
	d.SetAttribute("k", "v")
	assert.Equal(t, "v", d.Attribute("k"))
}
