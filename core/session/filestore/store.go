package filestore

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/sessionkit/core/logger"
	"github.com/dmitrymomot/sessionkit/core/session"
)

// Compile-time checks that Store is a session backend.
var (
	_ session.Backend     = (*Store)(nil)
	_ session.Initializer = (*Store)(nil)
)

// tempPrefix marks files being written. They are never read and are removed by Initialize.
const tempPrefix = ".tmp-"

// Store keeps one file per session in a directory. Files are named
// <expiryMs>_<id> so expiry sweeps only need a directory listing.
// Several nodes may share the directory; the id index is a cache and every
// miss falls back to a listing.
type Store struct {
	dir                string
	deleteUnrestorable bool
	logger             *slog.Logger

	mu    sync.Mutex
	index map[string]entry
}

// New creates a file store rooted at dir, creating the directory if needed.
// Call Initialize (or start a session.Manager, which does it) before use.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Join(ErrFailedToOpenDir, err)
	}

	s := &Store{
		dir:    dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		index:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromConfig creates a file store from configuration.
func NewFromConfig(cfg Config, opts ...Option) (*Store, error) {
	return New(cfg.Dir, append([]Option{WithDeleteUnrestorableFiles(cfg.DeleteUnrestorableFiles)}, opts...)...)
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

type entry struct {
	name   string
	id     string
	expiry int64 // ms since epoch, 0 for immortal sessions
}

func parseName(name string) (entry, bool) {
	id, expiry, ok := session.ParseRecordName(name)
	if !ok {
		return entry{}, false
	}
	return entry{name: name, id: id, expiry: expiry}, true
}

func (e entry) expiredAt(now time.Time) bool {
	return e.expiry != 0 && e.expiry <= now.UnixMilli()
}

func (e entry) expiredBefore(t time.Time) bool {
	return e.expiry != 0 && e.expiry < t.UnixMilli()
}

// newerThan reports whether e outlives o. Immortal sessions outlive everything.
func (e entry) newerThan(o entry) bool {
	switch {
	case e.expiry == 0:
		return o.expiry != 0
	case o.expiry == 0:
		return false
	default:
		return e.expiry > o.expiry
	}
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, tempPrefix) {
		return ErrInvalidID
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Initialize rebuilds the id index from the directory. When a session has
// several files the one expiring last wins and the others are deleted.
// Leftover partial files are removed; unparsable names are removed only with
// WithDeleteUnrestorableFiles.
func (s *Store) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Join(ErrFailedToOpenDir, err)
	}

	index := make(map[string]entry, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, tempPrefix) {
			s.removeFile(ctx, name, "partial file")
			continue
		}

		e, ok := parseName(name)
		if !ok {
			if s.deleteUnrestorable {
				s.removeFile(ctx, name, "unrestorable file name")
			} else {
				s.logger.WarnContext(ctx, "skipping unrestorable session file",
					logger.Component("session-filestore"),
					slog.String("file", name))
			}
			continue
		}

		cur, seen := index[e.id]
		switch {
		case !seen:
			index[e.id] = e
		case e.newerThan(cur):
			s.removeFile(ctx, cur.name, "superseded file")
			index[e.id] = e
		default:
			s.removeFile(ctx, e.name, "superseded file")
		}
	}
	s.index = index

	s.logger.InfoContext(ctx, "session file store initialized",
		logger.Component("session-filestore"),
		slog.String("dir", s.dir),
		logger.Count("sessions", len(index)))
	return nil
}

func (s *Store) removeFile(ctx context.Context, name, why string) {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WarnContext(ctx, "failed to remove session file",
			logger.Component("session-filestore"),
			slog.String("file", name),
			logger.Reason(why),
			logger.Error(err))
		return
	}
	s.logger.DebugContext(ctx, "removed session file",
		logger.Component("session-filestore"),
		slog.String("file", name),
		logger.Reason(why))
}

// scanLocked lists the parseable session files.
func (s *Store) scanLocked(ctx context.Context) ([]entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Join(ErrFailedToOpenDir, err)
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		if e, ok := parseName(de.Name()); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// lookupLocked finds the current file of a session, listing the directory
// when the index entry is missing or stale.
func (s *Store) lookupLocked(ctx context.Context, id string) (entry, bool, error) {
	if e, ok := s.index[id]; ok {
		if _, err := os.Stat(s.path(e.name)); err == nil {
			return e, true, nil
		}
		delete(s.index, id)
	}

	entries, err := s.scanLocked(ctx)
	if err != nil {
		return entry{}, false, err
	}
	var (
		found entry
		ok    bool
	)
	for _, e := range entries {
		if e.id == id && (!ok || e.newerThan(found)) {
			found, ok = e, true
		}
	}
	if ok {
		s.index[id] = found
	}
	return found, ok, nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Data, error) {
	if validateID(id) != nil {
		return nil, session.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok, err := s.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrNotFound
	}

	f, err := os.Open(s.path(e.name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(s.index, id)
			return nil, session.ErrNotFound
		}
		return nil, errors.Join(session.ErrUnreadableData, err)
	}
	defer func() { _ = f.Close() }()

	data, err := session.ReadData(bufio.NewReader(f))
	if err != nil {
		if s.deleteUnrestorable {
			s.removeFile(ctx, e.name, "unreadable data")
			delete(s.index, id)
		}
		return nil, err
	}
	return data, nil
}

// Store writes the session to a temporary file and renames it into place,
// then removes the previous file of the session if its name changed.
func (s *Store) Store(ctx context.Context, id string, data *session.Data, _ time.Time) error {
	if err := validateID(id); err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{id: id, expiry: session.ExpiryMillis(data)}
	e.name = session.RecordName(id, e.expiry)

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}

	w := bufio.NewWriter(tmp)
	err = session.WriteData(w, data)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path(e.name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Join(session.ErrUnwritableData, err)
	}

	if old, ok := s.index[id]; ok && old.name != e.name {
		s.removeFile(ctx, old.name, "replaced file")
	}
	s.index[id] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if validateID(id) != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok, err := s.lookupLocked(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	delete(s.index, id)

	if err := os.Remove(s.path(e.name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if validateID(id) != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok, err := s.lookupLocked(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return !e.expiredAt(time.Now()), nil
}

// CheckExpired reads expiry from file names only.
func (s *Store) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, id := range candidates {
		if validateID(id) != nil {
			expired = append(expired, id)
			continue
		}
		e, ok, err := s.lookupLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || e.expiredAt(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.scanLocked(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.expiredBefore(before) {
			ids = append(ids, e.id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// CleanOrphans deletes files of sessions that expired before the given time,
// whichever node wrote them.
func (s *Store) CleanOrphans(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.scanLocked(ctx)
	if err != nil {
		return err
	}

	var errs []error
	removed := 0
	for _, e := range entries {
		if !e.expiredBefore(before) {
			continue
		}
		if err := os.Remove(s.path(e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if cur, ok := s.index[e.id]; ok && cur.name == e.name {
			delete(s.index, e.id)
		}
		removed++
	}

	if removed > 0 {
		s.logger.DebugContext(ctx, "removed orphaned session files",
			logger.Component("session-filestore"),
			logger.Count("files", removed))
	}
	return errors.Join(errs...)
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.scanLocked(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
