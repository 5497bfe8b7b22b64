// Package pg provides PostgreSQL connection management, migrations and health checking.
//
// Connect builds a pgx connection pool from Config and retries with exponential
// backoff until the database answers a ping. OpenDB exposes the pool through
// database/sql, which is what the PostgreSQL session backend and goose expect.
//
// # Configuration
//
//	type Config struct {
//		ConnectionString  string        `env:"PG_CONN_URL,required"`
//		MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
//		MaxIdleConns      int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
//		HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
//		MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
//		MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
//		RetryAttempts     int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval     time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
//		MigrationsPath    string        `env:"PG_MIGRATIONS_PATH" envDefault:"internal/db/migrations"`
//		MigrationsTable   string        `env:"PG_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
//	}
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	db := pg.OpenDB(pool)
//	defer db.Close()
//
//	if err := pg.MigrateFS(ctx, db, postgres.Migrations, postgres.MigrationsDir, cfg.MigrationsTable, logger); err != nil {
//		return err
//	}
//
// Migrate reads migrations from cfg.MigrationsPath on disk instead.
//
// # Transactions
//
// WithTx attaches a *sql.Tx to a context. Code that accepts a context and
// runs on database/sql can call TxFromContext and join the transaction:
//
//	tx, err := db.BeginTx(ctx, nil)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//
//	ctx = pg.WithTx(ctx, tx)
//	// writes made with ctx now run inside tx
//	return tx.Commit()
//
// # Errors
//
// Connection and migration failures are joined with the sentinels in errors.go.
// IsNotFoundError, IsDuplicateKeyError, IsForeignKeyViolationError and
// IsTxClosedError classify driver errors.
package pg
