package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Migrate applies the migrations found under cfg.MigrationsPath on disk.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) error {
	if cfg.MigrationsPath == "" {
		return ErrMigrationPathNotProvided
	}
	if info, err := os.Stat(cfg.MigrationsPath); err != nil || !info.IsDir() {
		return errors.Join(ErrMigrationsDirNotFound, err)
	}

	db := OpenDB(pool)
	defer db.Close()

	return runMigrations(ctx, db, nil, cfg.MigrationsPath, cfg.MigrationsTable, logger)
}

// MigrateFS applies the migrations under dir in fsys, typically an embed.FS
// shipped next to the code that owns the schema.
func MigrateFS(ctx context.Context, db *sql.DB, fsys fs.FS, dir, table string, logger *slog.Logger) error {
	if dir == "" {
		return ErrMigrationPathNotProvided
	}
	if info, err := fs.Stat(fsys, dir); err != nil || !info.IsDir() {
		return errors.Join(ErrMigrationsDirNotFound, err)
	}

	return runMigrations(ctx, db, fsys, dir, table, logger)
}

func runMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, dir, table string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{logger: logger})
	if table != "" {
		goose.SetTableName(table)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	if err := goose.UpContext(ctx, db, dir); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), logger.Component("migrations"))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), logger.Component("migrations"))
}
