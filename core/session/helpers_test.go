package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/sessionkit/core/session"
)

// countingBackend wraps a MemoryBackend and counts calls that matter to cache behaviour.
type countingBackend struct {
	*session.MemoryBackend

	loads        atomic.Int32
	stores       atomic.Int32
	deletes      atomic.Int32
	cleanOrphans atomic.Int32
	loadDelay    time.Duration
	unreadable   bool
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: session.NewMemoryBackend()}
}

func (b *countingBackend) Load(ctx context.Context, id string) (*session.Data, error) {
	b.loads.Add(1)
	if b.loadDelay > 0 {
		time.Sleep(b.loadDelay)
	}
	if b.unreadable {
		if _, err := b.MemoryBackend.Load(ctx, id); err != nil {
			return nil, err
		}
		return nil, errors.Join(session.ErrUnreadableData, errors.New("corrupt record"))
	}
	return b.MemoryBackend.Load(ctx, id)
}

func (b *countingBackend) Store(ctx context.Context, id string, data *session.Data, lastSaved time.Time) error {
	b.stores.Add(1)
	return b.MemoryBackend.Store(ctx, id, data, lastSaved)
}

func (b *countingBackend) Delete(ctx context.Context, id string) (bool, error) {
	b.deletes.Add(1)
	return b.MemoryBackend.Delete(ctx, id)
}

func (b *countingBackend) CleanOrphans(ctx context.Context, before time.Time) error {
	b.cleanOrphans.Add(1)
	return b.MemoryBackend.CleanOrphans(ctx, before)
}

// gatedDeleteBackend holds every Delete until release is closed and reports
// each id on entered once the call is waiting.
type gatedDeleteBackend struct {
	*session.MemoryBackend

	entered chan string
	release chan struct{}
}

func newGatedDeleteBackend() *gatedDeleteBackend {
	return &gatedDeleteBackend{
		MemoryBackend: session.NewMemoryBackend(),
		entered:       make(chan string, 8),
		release:       make(chan struct{}),
	}
}

func (b *gatedDeleteBackend) Delete(ctx context.Context, id string) (bool, error) {
	select {
	case b.entered <- id:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return b.MemoryBackend.Delete(ctx, id)
}

// mockBackend is a testify mock of session.Backend.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Load(ctx context.Context, id string) (*session.Data, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Data), args.Error(1)
}

func (m *mockBackend) Store(ctx context.Context, id string, data *session.Data, lastSaved time.Time) error {
	return m.Called(ctx, id, data, lastSaved).Error(0)
}

func (m *mockBackend) Delete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	args := m.Called(ctx, candidates, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockBackend) Expired(ctx context.Context, before time.Time) ([]string, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockBackend) CleanOrphans(ctx context.Context, before time.Time) error {
	return m.Called(ctx, before).Error(0)
}

func (m *mockBackend) AllSessions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// recordingListener appends every event it receives to a shared log.
type recordingListener struct {
	session.BaseListener

	name string
	mu   *sync.Mutex
	log  *[]string
}

func newEventLog() (*sync.Mutex, *[]string) {
	return &sync.Mutex{}, &[]string{}
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.log = append(*l.log, l.name+":"+event)
}

func (l *recordingListener) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), *l.log...)
}

func (l *recordingListener) SessionCreated(context.Context, session.Session) {
	l.record("created")
}

func (l *recordingListener) SessionDestroyed(context.Context, session.Session) {
	l.record("destroyed")
}

func (l *recordingListener) SessionEvicted(context.Context, session.Session) {
	l.record("evicted")
}

func (l *recordingListener) SessionResided(context.Context, session.Session) {
	l.record("resided")
}

func (l *recordingListener) AttributeAdded(_ context.Context, _ session.Session, name string, _ any) {
	l.record("added " + name)
}

func (l *recordingListener) AttributeUpdated(_ context.Context, _ session.Session, name string, _, _ any) {
	l.record("updated " + name)
}

func (l *recordingListener) AttributeRemoved(_ context.Context, _ session.Session, name string, _ any) {
	l.record("removed " + name)
}

func (l *recordingListener) SessionIDChanged(_ context.Context, _ session.Session, oldID string) {
	l.record("renamed " + oldID)
}

// secret is an attribute value that must never reach a store.
type secret struct {
	value string
}

func (secret) NonPersistent() {}

type profile struct {
	Name  string
	Level int
}

func init() {
	session.RegisterType(profile{})
}
