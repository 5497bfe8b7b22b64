package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/dmitrymomot/sessionkit/core/logger"
	"github.com/dmitrymomot/sessionkit/core/session"
	"github.com/dmitrymomot/sessionkit/integration/database/pg"
)

var (
	_ session.Backend     = (*Store)(nil)
	_ session.Initializer = (*Store)(nil)
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT PRIMARY KEY,
    expiry     BIGINT NOT NULL DEFAULT 0,
    last_node  TEXT   NOT NULL,
    last_saved BIGINT NOT NULL DEFAULT 0,
    data       BYTEA  NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_expiry_idx ON %[1]s (expiry);`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps one row per session. Expiry is stored in milliseconds with 0
// meaning immortal, so expiry sweeps run on the indexed column only.
type Store struct {
	db          *sql.DB
	table       string
	node        string
	createTable bool
	logger      *slog.Logger
}

// New creates a PostgreSQL backed session store.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	s := &Store{
		db:          db,
		table:       DefaultConfig().Table,
		node:        defaultNodeName(),
		createTable: true,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier(s.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, s.table)
	}
	return s, nil
}

// NewFromConfig creates a store from configuration.
func NewFromConfig(cfg Config, db *sql.DB, opts ...Option) (*Store, error) {
	return New(db, append([]Option{
		WithTable(cfg.Table),
		WithNodeName(cfg.NodeName),
		WithCreateTable(cfg.CreateTable),
	}, opts...)...)
}

func validIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// conn returns the transaction carried by ctx, if any, else the database.
func (s *Store) conn(ctx context.Context) queryer {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// Initialize creates the session table unless disabled with WithCreateTable.
func (s *Store) Initialize(ctx context.Context) error {
	if !s.createTable {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(createTableSQL, s.table)); err != nil {
		return fmt.Errorf("creating session table: %w", err)
	}
	s.logger.DebugContext(ctx, "session table ready",
		logger.Component("session-postgres"),
		slog.String("table", s.table))
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Data, error) {
	query, args, err := psq.Select("data").From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building load query: %w", err)
	}

	var raw []byte
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if pg.IsNotFoundError(err) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return session.UnmarshalData(raw)
}

// Store upserts the session row.
func (s *Store) Store(ctx context.Context, id string, data *session.Data, _ time.Time) error {
	raw, err := session.MarshalData(data)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert(s.table).
		Columns("id", "expiry", "last_node", "last_saved", "data").
		Values(id, session.ExpiryMillis(data), s.node, data.LastSaved().UnixMilli(), raw).
		Suffix("ON CONFLICT (id) DO UPDATE SET expiry = EXCLUDED.expiry, last_node = EXCLUDED.last_node, " +
			"last_saved = EXCLUDED.last_saved, data = EXCLUDED.data").
		ToSql()
	if err != nil {
		return errors.Join(session.ErrUnwritableData, err)
	}

	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return errors.Join(session.ErrUnwritableData, fmt.Errorf("upserting session: %w", err))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	query, args, err := psq.Delete(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, fmt.Errorf("building delete query: %w", err)
	}

	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	query, args, err := psq.Select("expiry").From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, fmt.Errorf("building exists query: %w", err)
	}

	var expiry int64
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&expiry); err != nil {
		if pg.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking session: %w", err)
	}
	return expiry == 0 || expiry > time.Now().UnixMilli(), nil
}

// CheckExpired reads the expiry of all candidates with one query.
func (s *Store) CheckExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	query, args, err := psq.Select("id", "expiry").From(s.table).Where(sq.Eq{"id": candidates}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expiry query: %w", err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checking expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stored := make(map[string]int64, len(candidates))
	for rows.Next() {
		var (
			id     string
			expiry int64
		)
		if err := rows.Scan(&id, &expiry); err != nil {
			return nil, fmt.Errorf("scanning expiry: %w", err)
		}
		stored[id] = expiry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expiry rows: %w", err)
	}

	nowMs := now.UnixMilli()
	var expired []string
	for _, id := range candidates {
		expiry, ok := stored[id]
		if !ok || (expiry != 0 && expiry <= nowMs) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Expired returns sessions this node saved last that expired before the given time.
func (s *Store) Expired(ctx context.Context, before time.Time) ([]string, error) {
	qb := psq.Select("id").From(s.table).
		Where(sq.And{
			sq.Gt{"expiry": 0},
			sq.Lt{"expiry": before.UnixMilli()},
			sq.Eq{"last_node": s.node},
		}).
		OrderBy("id")
	return s.selectIDs(ctx, qb)
}

// CleanOrphans deletes sessions that expired before the given time, whichever node saved them.
func (s *Store) CleanOrphans(ctx context.Context, before time.Time) error {
	query, args, err := psq.Delete(s.table).
		Where(sq.And{sq.Gt{"expiry": 0}, sq.Lt{"expiry": before.UnixMilli()}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building orphan query: %w", err)
	}

	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting orphaned sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.DebugContext(ctx, "removed orphaned sessions",
			logger.Component("session-postgres"),
			logger.Count("sessions", int(n)))
	}
	return nil
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	return s.selectIDs(ctx, psq.Select("id").From(s.table).OrderBy("id"))
}

func (s *Store) selectIDs(ctx context.Context, qb sq.SelectBuilder) ([]string, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building id query: %w", err)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session ids: %w", err)
	}
	return ids, nil
}
