package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/session"
	"github.com/dmitrymomot/sessionkit/core/session/filestore"
)

func newStore(t *testing.T, opts ...filestore.Option) (*filestore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := filestore.New(dir, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s, dir
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func writeRecord(t *testing.T, dir, name string, d *session.Data) {
	t.Helper()
	raw, err := session.MarshalData(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o600))
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := filestore.New("")
	assert.ErrorIs(t, err, filestore.ErrEmptyDir)

	dir := filepath.Join(t.TempDir(), "nested", "sessions")
	s, err := filestore.NewFromConfig(filestore.Config{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())
	assert.DirExists(t, dir)
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	files, dir := newStore(t)
	store := session.NewDataStore(files)

	d := session.NewData("abc.node1", time.Now(), time.Hour)
	d.SetAttribute("user", "alice")
	require.NoError(t, store.Save(ctx, "abc.node1", d))

	expiry := session.ExpiryMillis(d)
	assert.Equal(t, []string{strconv.FormatInt(expiry, 10) + "_abc.node1"}, listFiles(t, dir))

	got, err := store.Load(ctx, "abc.node1")
	require.NoError(t, err)
	assert.Equal(t, "abc.node1", got.ID())
	assert.Equal(t, "alice", got.Attribute("user"))

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_SaveReplacesPreviousFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	files, dir := newStore(t)
	store := session.NewDataStore(files)

	now := time.Now()
	d := session.NewData("s1", now, time.Hour)
	require.NoError(t, store.Save(ctx, "s1", d))

	d.SetAccessed(now.Add(time.Minute))
	d.CalcAndSetExpiry(now.Add(time.Minute))
	d.SetDirty(true)
	require.NoError(t, store.Save(ctx, "s1", d))

	names := listFiles(t, dir)
	require.Len(t, names, 1)
	assert.Equal(t, strconv.FormatInt(session.ExpiryMillis(d), 10)+"_s1", names[0])
}

func TestStore_InvalidID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	files, _ := newStore(t)

	err := files.Store(ctx, "../escape", session.NewData("../escape", time.Now(), time.Hour), time.Time{})
	assert.ErrorIs(t, err, session.ErrUnwritableData)
	assert.ErrorIs(t, err, filestore.ErrInvalidID)

	_, err = files.Load(ctx, "a/b")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_Initialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now()

	older := now.Add(time.Hour).UnixMilli()
	newer := now.Add(2 * time.Hour).UnixMilli()
	writeRecord(t, dir, strconv.FormatInt(older, 10)+"_a", session.NewData("a", now, time.Hour))
	writeRecord(t, dir, strconv.FormatInt(newer, 10)+"_a", session.NewData("a", now, 2*time.Hour))
	writeRecord(t, dir, "0_b", session.NewData("b", now, 0))
	writeRecord(t, dir, strconv.FormatInt(newer, 10)+"_b", session.NewData("b", now, 2*time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage"), []byte("?"), 0o600))

	files, err := filestore.New(dir)
	require.NoError(t, err)
	require.NoError(t, files.Initialize(ctx))

	assert.ElementsMatch(t, []string{
		strconv.FormatInt(newer, 10) + "_a",
		"0_b",
		"garbage",
	}, listFiles(t, dir))

	ids, err := files.AllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	// Unparsable names go away only when configured.
	files, err = filestore.New(dir, filestore.WithDeleteUnrestorableFiles(true))
	require.NoError(t, err)
	require.NoError(t, files.Initialize(ctx))
	assert.NotContains(t, listFiles(t, dir), "garbage")
}

func TestStore_UnreadableFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	name := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10) + "_bad"

	for _, remove := range []bool{false, true} {
		files, dir := newStore(t, filestore.WithDeleteUnrestorableFiles(remove))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{0, 3, 'b'}, 0o600))

		_, err := files.Load(ctx, "bad")
		require.ErrorIs(t, err, session.ErrUnreadableData)

		if remove {
			assert.Empty(t, listFiles(t, dir))
		} else {
			assert.Equal(t, []string{name}, listFiles(t, dir))
		}
	}
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	files, dir := newStore(t)
	store := session.NewDataStore(files)
	require.NoError(t, store.Save(ctx, "live", session.NewData("live", now, time.Hour)))
	require.NoError(t, store.Save(ctx, "immortal", session.NewData("immortal", now.Add(-24*time.Hour), 0)))
	require.NoError(t, store.Save(ctx, "recent", session.NewData("recent", now.Add(-2*time.Minute), time.Minute)))
	require.NoError(t, store.Save(ctx, "ancient", session.NewData("ancient", now.Add(-3*time.Hour), time.Minute)))

	ok, err := files.Exists(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = files.Exists(ctx, "recent")
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := files.CheckExpired(ctx, []string{"live", "immortal", "recent", "gone"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent", "gone"}, expired)

	old, err := files.Expired(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"ancient"}, old)

	require.NoError(t, files.CleanOrphans(ctx, now.Add(-time.Hour)))
	assert.Len(t, listFiles(t, dir), 3)

	deleted, err := files.Delete(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = files.Delete(ctx, "recent")
	require.NoError(t, err)
	assert.False(t, deleted)

	ids, err := files.AllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"immortal", "live"}, ids)
}

func TestStore_SharedDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	node1, dir := newStore(t)
	node2, err := filestore.New(dir)
	require.NoError(t, err)
	require.NoError(t, node2.Initialize(ctx))

	d := session.NewData("s1", time.Now(), time.Hour)
	d.SetAttribute("from", "node1")
	require.NoError(t, node1.Store(ctx, "s1", d, time.Time{}))

	got, err := node2.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "node1", got.Attribute("from"))

	deleted, err := node2.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = node1.Load(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_ManagerRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	files, err := filestore.New(dir)
	require.NoError(t, err)
	m := session.NewManager(session.NewDataStore(files), session.WithScavengingInterval(0))
	require.NoError(t, m.Start(ctx))

	s, err := m.CreateSession(ctx)
	require.NoError(t, err)
	id := s.ID()
	require.NoError(t, s.SetAttribute(ctx, "user", "alice"))
	require.NoError(t, s.Complete(ctx))
	require.NoError(t, m.Stop(ctx))

	files, err = filestore.New(dir)
	require.NoError(t, err)
	m = session.NewManager(session.NewDataStore(files), session.WithScavengingInterval(0))
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	restored, err := m.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", restored.Attribute("user"))
	assert.False(t, restored.IsNew())
}
