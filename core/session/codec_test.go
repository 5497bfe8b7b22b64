package session_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/session"
)

func msTime(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	created := msTime(time.Now().Add(-time.Minute))
	d := session.NewData("abc123.node1", created, 30*time.Minute)
	d.SetAccessed(msTime(time.Now()))
	d.SetExtraInactiveInterval(5 * time.Minute)
	d.CalcAndSetExpiry(d.Accessed())
	d.SetAttribute("user", "alice")
	d.SetAttribute("visits", 3)
	d.SetAttribute("profile", profile{Name: "alice", Level: 2})
	d.SetAttribute("roles", []string{"admin", "ops"})
	d.SetAttribute("token", secret{value: "never stored"})

	raw, err := session.MarshalData(d)
	require.NoError(t, err)

	got, err := session.UnmarshalData(raw)
	require.NoError(t, err)

	assert.Equal(t, d.ID(), got.ID())
	assert.True(t, d.Created().Equal(got.Created()))
	assert.True(t, d.Accessed().Equal(got.Accessed()))
	assert.True(t, d.LastAccessed().Equal(got.LastAccessed()))
	assert.Equal(t, d.InactiveInterval(), got.InactiveInterval())
	assert.Equal(t, d.ExtraInactiveInterval(), got.ExtraInactiveInterval())
	assert.True(t, d.Expiry().Equal(got.Expiry()))
	assert.False(t, got.IsDirty())

	assert.Equal(t, []string{"profile", "roles", "user", "visits"}, got.AttributeNames())
	assert.Equal(t, "alice", got.Attribute("user"))
	assert.Equal(t, 3, got.Attribute("visits"))
	assert.Equal(t, profile{Name: "alice", Level: 2}, got.Attribute("profile"))
	assert.Equal(t, []string{"admin", "ops"}, got.Attribute("roles"))
	assert.Nil(t, got.Attribute("token"))
}

func TestCodec_ImmortalSession(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", msTime(time.Now()), 0)

	raw, err := session.MarshalData(d)
	require.NoError(t, err)
	got, err := session.UnmarshalData(raw)
	require.NoError(t, err)

	assert.True(t, got.Expiry().IsZero())
	assert.Equal(t, int64(0), session.ExpiryMillis(got))
}

func TestCodec_Header(t *testing.T) {
	t.Parallel()
	created := msTime(time.Now())
	d := session.NewData("xyz", created, time.Second)

	raw, err := session.MarshalData(d)
	require.NoError(t, err)

	r := bytes.NewReader(raw)
	var idLen uint16
	require.NoError(t, binary.Read(r, binary.BigEndian, &idLen))
	assert.Equal(t, uint16(3), idLen)

	id := make([]byte, idLen)
	_, err = r.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(id))

	var fields [6]int64
	require.NoError(t, binary.Read(r, binary.BigEndian, &fields))
	assert.Equal(t, created.UnixMilli(), fields[0])
	assert.Equal(t, int64(1000), fields[3])
	assert.Equal(t, created.UnixMilli()+1000, fields[5])

	var count int32
	require.NoError(t, binary.Read(r, binary.BigEndian, &count))
	assert.Equal(t, int32(0), count)
}

func TestCodec_NonPersistentNotCounted(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", msTime(time.Now()), time.Minute)
	d.SetAttribute("token", secret{value: "x"})

	raw, err := session.MarshalData(d)
	require.NoError(t, err)

	count := int32(binary.BigEndian.Uint32(raw[2+2+48:]))
	assert.Equal(t, int32(0), count)
}

func TestCodec_Unreadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "truncated id", raw: []byte{0, 10, 'a'}},
		{name: "truncated fields", raw: []byte{0, 1, 'a', 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := session.UnmarshalData(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrUnreadableData)
		})
	}

	t.Run("truncated attributes", func(t *testing.T) {
		t.Parallel()
		d := session.NewData("s1", time.Now(), time.Minute)
		d.SetAttribute("user", "alice")
		raw, err := session.MarshalData(d)
		require.NoError(t, err)

		_, err = session.UnmarshalData(raw[:len(raw)-3])
		assert.ErrorIs(t, err, session.ErrUnreadableData)
	})
}

func TestCodec_Unwritable(t *testing.T) {
	t.Parallel()
	d := session.NewData("s1", time.Now(), time.Minute)
	d.SetAttribute("fn", func() {})

	_, err := session.MarshalData(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrUnwritableData)
}
