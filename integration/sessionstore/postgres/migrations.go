package postgres

import "embed"

// Migrations holds goose migrations creating DefaultTable. The table name is
// fixed in the SQL; stores configured WithTable need their own migrations or
// WithCreateTable(true).
// Apply them with pg.MigrateFS(ctx, db, Migrations, MigrationsDir, table, logger).
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "migrations"
