// Package postgres implements a session.Backend on PostgreSQL through database/sql.
//
// Sessions live in one table (sessions by default) with columns id, expiry,
// last_node, last_saved and data. Expiry is milliseconds since the epoch and
// 0 marks an immortal session. Queries are built with squirrel.
//
//	pool, err := pg.Connect(ctx, pgCfg)
//	if err != nil {
//		return err
//	}
//	db := pg.OpenDB(pool)
//
//	backend, err := postgres.New(db, postgres.WithNodeName("node1"))
//	if err != nil {
//		return err
//	}
//	manager := session.NewManager(session.NewDataStore(backend))
//
// Initialize creates the table on manager start. Deployments that manage
// their schema with goose can apply Migrations instead and pass
// WithCreateTable(false). Migrations create DefaultTable only; a store
// configured WithTable keeps WithCreateTable(true) or ships its own migration.
//
// Writes join a transaction attached to the context with pg.WithTx.
package postgres
