package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dmitrymomot/sessionkit/core/logger"
	"github.com/dmitrymomot/sessionkit/core/session"
)

var (
	_ session.Backend     = (*Store)(nil)
	_ session.Initializer = (*Store)(nil)
)

// S3Client defines the S3 operations used by Store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3aws.ListObjectsV2Input, optFns ...func(*s3aws.Options)) (*s3aws.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3aws.DeleteObjectsInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectsOutput, error)
}

// deleteBatchSize is the S3 limit of keys per DeleteObjects request.
const deleteBatchSize = 1000

// Store keeps one object per session under <prefix><expiryMs>_<id>, so expiry
// sweeps only need a listing. The id index is rebuilt by Initialize and every
// miss falls back to a listing, which lets several nodes share a prefix.
type Store struct {
	client           S3Client
	bucket           string
	prefix           string
	deleteUnreadable bool
	logger           *slog.Logger

	mu    sync.Mutex
	index map[string]entry
}

type entry struct {
	key    string
	id     string
	expiry int64
}

// New creates an S3 backed session store.
// Credentials fall back to the default AWS chain when no static keys are configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrInvalidConfig
	}

	o := &storeOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		if cfg.Region == "" {
			return nil, ErrInvalidConfig
		}
		awsOptions := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		if o.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(o.httpClient))
		}
		awsOptions = append(awsOptions, o.configOptions...)

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = s3aws.NewFromConfig(awsConfig, func(so *s3aws.Options) {
			if cfg.Endpoint != "" {
				so.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			so.UsePathStyle = cfg.ForcePathStyle
			for _, opt := range o.clientOptions {
				opt(so)
			}
		})
	}

	return &Store{
		client:           client,
		bucket:           cfg.Bucket,
		prefix:           strings.TrimPrefix(cfg.Prefix, "/"),
		deleteUnreadable: o.deleteUnreadable,
		logger:           o.logger,
		index:            make(map[string]entry),
	}, nil
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return ErrInvalidID
	}
	return nil
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

// list returns every parseable session object under the prefix.
func (s *Store) list(ctx context.Context) ([]entry, error) {
	paginator := s3aws.NewListObjectsV2Paginator(s.client, &s3aws.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var entries []entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, "list sessions")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if strings.Contains(name, "/") {
				continue
			}
			if id, expiry, ok := session.ParseRecordName(name); ok {
				entries = append(entries, entry{key: key, id: id, expiry: expiry})
			}
		}
	}
	return entries, nil
}

// newest keeps the longest living entry per id and returns the rest.
func newest(entries []entry) (map[string]entry, []entry) {
	index := make(map[string]entry, len(entries))
	var stale []entry
	for _, e := range entries {
		cur, ok := index[e.id]
		switch {
		case !ok:
			index[e.id] = e
		case e.newerThan(cur):
			stale = append(stale, cur)
			index[e.id] = e
		default:
			stale = append(stale, e)
		}
	}
	return index, stale
}

// Initialize rebuilds the index from a listing and deletes superseded objects.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.list(ctx)
	if err != nil {
		return err
	}
	index, stale := newest(entries)
	if err := s.deleteKeys(ctx, stale); err != nil {
		return err
	}
	s.index = index

	s.logger.InfoContext(ctx, "session s3 store initialized",
		logger.Component("session-s3"),
		slog.String("bucket", s.bucket),
		slog.String("prefix", s.prefix),
		logger.Count("sessions", len(index)))
	return nil
}

// refreshLocked replaces the index with a fresh listing.
func (s *Store) refreshLocked(ctx context.Context) error {
	entries, err := s.list(ctx)
	if err != nil {
		return err
	}
	s.index, _ = newest(entries)
	return nil
}

func (s *Store) lookupLocked(ctx context.Context, id string) (entry, bool, error) {
	if e, ok := s.index[id]; ok {
		return e, true, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return entry{}, false, err
	}
	e, ok := s.index[id]
	return e, ok, nil
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

	out, err := s.client.GetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(e.key),
	})
	if err != nil {
		err = classifyS3Error(err, "get session")
		if errors.Is(err, session.ErrNotFound) {
			delete(s.index, id)
		}
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()

	data, err := session.ReadData(out.Body)
	if err != nil {
		if s.deleteUnreadable {
			if derr := s.deleteKeys(ctx, []entry{e}); derr == nil {
				delete(s.index, id)
			}
		}
		return nil, err
	}
	return data, nil
}

// Store uploads the session under its current expiry and removes the
// previous object when the key changed.
func (s *Store) Store(ctx context.Context, id string, data *session.Data, _ time.Time) error {
	if err := validateID(id); err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}
	raw, err := session.MarshalData(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{id: id, expiry: session.ExpiryMillis(data)}
	e.key = s.prefix + session.RecordName(id, e.expiry)

	_, err = s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(e.key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return errors.Join(session.ErrUnwritableData, classifyS3Error(err, "put session"))
	}

	if old, ok := s.index[id]; ok && old.key != e.key {
		if err := s.deleteKeys(ctx, []entry{old}); err != nil {
			s.logger.WarnContext(ctx, "failed to remove replaced session object",
				logger.Component("session-s3"),
				logger.SessionID(id),
				logger.Error(err))
		}
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
	if err := s.deleteKeys(ctx, []entry{e}); err != nil {
		return false, err
	}
	delete(s.index, id)
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

// CheckExpired reads expiry from object keys. A single listing covers all
// candidates missing from the index.
func (s *Store) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range candidates {
		if _, ok := s.index[id]; !ok && validateID(id) == nil {
			if err := s.refreshLocked(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	var expired []string
	for _, id := range candidates {
		e, ok := s.index[id]
		if !ok || e.expiredAt(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.list(ctx)
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

func (s *Store) CleanOrphans(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.list(ctx)
	if err != nil {
		return err
	}
	var orphans []entry
	for _, e := range entries {
		if e.expiredBefore(before) {
			orphans = append(orphans, e)
		}
	}
	if err := s.deleteKeys(ctx, orphans); err != nil {
		return err
	}
	for _, e := range orphans {
		if cur, ok := s.index[e.id]; ok && cur.key == e.key {
			delete(s.index, e.id)
		}
	}
	if len(orphans) > 0 {
		s.logger.DebugContext(ctx, "removed orphaned sessions",
			logger.Component("session-s3"),
			logger.Count("sessions", len(orphans)))
	}
	return nil
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.list(ctx)
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

// deleteKeys removes objects in batches of deleteBatchSize.
func (s *Store) deleteKeys(ctx context.Context, entries []entry) error {
	if len(entries) == 1 {
		_, err := s.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(entries[0].key),
		})
		return classifyS3Error(err, "delete session")
	}

	for batch := range slices.Chunk(entries, deleteBatchSize) {
		objects := make([]types.ObjectIdentifier, len(batch))
		for i, e := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(e.key)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3aws.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classifyS3Error(err, "delete sessions")
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("s3 delete sessions: %d failed, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}
