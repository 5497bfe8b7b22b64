package s3_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/sessionkit/core/session"
	"github.com/dmitrymomot/sessionkit/integration/sessionstore/s3"
)

// fakeS3 is an in-memory bucket. Listings return two keys per page.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	lists   int
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3aws.PutObjectInput, _ ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = raw
	return &s3aws.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3aws.GetObjectInput, _ ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3aws.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3aws.ListObjectsV2Input, _ ...func(*s3aws.Options)) (*s3aws.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))

	out := &s3aws.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3aws.DeleteObjectInput, _ ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3aws.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3aws.DeleteObjectsInput, _ ...func(*s3aws.Options)) (*s3aws.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3aws.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (f *fakeS3) put(t *testing.T, key string, d *session.Data) {
	t.Helper()
	raw, err := session.MarshalData(d)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
}

func newStore(t *testing.T, client *fakeS3, opts ...s3.Option) *s3.Store {
	t.Helper()
	store, err := s3.New(context.Background(), s3.Config{Bucket: "sessions", Prefix: "app/"},
		append([]s3.Option{s3.WithS3Client(client)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := s3.New(ctx, s3.Config{})
	assert.ErrorIs(t, err, s3.ErrInvalidConfig)

	_, err = s3.New(ctx, s3.Config{Bucket: "b"})
	assert.ErrorIs(t, err, s3.ErrInvalidConfig)

	store, err := s3.New(ctx, s3.Config{
		Bucket:      "b",
		Region:      "eu-west-1",
		AccessKeyID: "key",
		SecretKey:   "secret",
		Endpoint:    "http://localhost:9000",
	})
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeS3()
	backend := newStore(t, client)
	store := session.NewDataStore(backend)

	d := session.NewData("abc", time.Now(), time.Hour)
	d.SetAttribute("user", "alice")
	require.NoError(t, store.Save(ctx, "abc", d))
	assert.Equal(t, []string{"app/" + session.RecordName("abc", d.Expiry().UnixMilli())}, client.keys())

	loaded, err := store.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Attribute("user"))

	d.CalcAndSetExpiry(time.Now().Add(time.Hour))
	d.SetDirty(true)
	require.NoError(t, store.Save(ctx, "abc", d))
	assert.Equal(t, []string{"app/" + session.RecordName("abc", d.Expiry().UnixMilli())}, client.keys())

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.Load(ctx, "../etc")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_InvalidID(t *testing.T) {
	t.Parallel()
	backend := newStore(t, newFakeS3())

	err := backend.Store(context.Background(), "a/b", session.NewData("a/b", time.Now(), time.Hour), time.Time{})
	assert.ErrorIs(t, err, session.ErrUnwritableData)
	assert.ErrorIs(t, err, s3.ErrInvalidID)
}

func TestStore_PutFailure(t *testing.T) {
	t.Parallel()
	client := newFakeS3()
	backend := newStore(t, client)
	client.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}

	err := backend.Store(context.Background(), "abc", session.NewData("abc", time.Now(), time.Hour), time.Time{})
	assert.ErrorIs(t, err, session.ErrUnwritableData)
	assert.ErrorIs(t, err, s3.ErrAccessDenied)
}

func TestStore_Initialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	client := newFakeS3()

	older := session.NewData("dup", now, time.Minute)
	newer := session.NewData("dup", now, time.Hour)
	client.put(t, "app/"+session.RecordName("dup", older.Expiry().UnixMilli()), older)
	client.put(t, "app/"+session.RecordName("dup", newer.Expiry().UnixMilli()), newer)
	client.put(t, "app/"+session.RecordName("forever", 0), session.NewData("forever", now, 0))
	client.put(t, "app/not-a-session", session.NewData("x", now, time.Hour))
	client.put(t, "other/"+session.RecordName("foreign", 0), session.NewData("foreign", now, 0))

	backend := newStore(t, client)

	assert.NotContains(t, client.keys(), "app/"+session.RecordName("dup", older.Expiry().UnixMilli()))
	loaded, err := backend.Load(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, newer.Expiry().UnixMilli(), loaded.Expiry().UnixMilli())

	ids, err := backend.AllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dup", "forever"}, ids)
}

func TestStore_Unreadable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := "app/" + session.RecordName("bad", 0)

	t.Run("kept", func(t *testing.T) {
		t.Parallel()
		client := newFakeS3()
		client.objects[key] = []byte("garbage")
		backend := newStore(t, client)

		_, err := backend.Load(ctx, "bad")
		assert.ErrorIs(t, err, session.ErrUnreadableData)
		assert.Contains(t, client.keys(), key)
	})

	t.Run("deleted", func(t *testing.T) {
		t.Parallel()
		client := newFakeS3()
		client.objects[key] = []byte("garbage")
		backend := newStore(t, client, s3.WithDeleteUnreadable(true))

		_, err := backend.Load(ctx, "bad")
		assert.ErrorIs(t, err, session.ErrUnreadableData)
		assert.Empty(t, client.keys())
	})
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	client := newFakeS3()
	backend := newStore(t, client)
	store := session.NewDataStore(backend)

	require.NoError(t, store.Save(ctx, "live", session.NewData("live", now, time.Hour)))
	require.NoError(t, store.Save(ctx, "immortal", session.NewData("immortal", now.Add(-24*time.Hour), 0)))
	require.NoError(t, store.Save(ctx, "recent", session.NewData("recent", now.Add(-2*time.Minute), time.Minute)))
	require.NoError(t, store.Save(ctx, "ancient", session.NewData("ancient", now.Add(-3*time.Hour), time.Minute)))

	ok, err := backend.Exists(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = backend.Exists(ctx, "recent")
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := backend.CheckExpired(ctx, []string{"live", "immortal", "recent", "gone"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent", "gone"}, expired)

	old, err := backend.Expired(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"ancient"}, old)

	require.NoError(t, backend.CleanOrphans(ctx, now.Add(-time.Hour)))
	ids, err := backend.AllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"immortal", "live", "recent"}, ids)

	deleted, err := backend.Delete(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = backend.Delete(ctx, "recent")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_SharedPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeS3()
	node1 := newStore(t, client)
	node2 := newStore(t, client)

	require.NoError(t, node1.Store(ctx, "abc", session.NewData("abc", time.Now(), time.Hour), time.Time{}))

	loaded, err := node2.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.ID())
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newFakeS3()
	backend := newStore(t, client)

	ctxCanceled, cancel := context.WithCancel(ctx)
	cancel()
	client.putErr = errors.Join(errors.New("request failed"), context.Canceled)
	err := backend.Store(ctxCanceled, "abc", session.NewData("abc", time.Now(), time.Hour), time.Time{})
	assert.ErrorIs(t, err, s3.ErrOperationCanceled)

	client.putErr = &types.NoSuchBucket{}
	err = backend.Store(ctx, "abc", session.NewData("abc", time.Now(), time.Hour), time.Time{})
	assert.ErrorIs(t, err, s3.ErrBucketNotFound)
}
