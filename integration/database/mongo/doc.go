// Package mongo provides MongoDB client initialization and health checking.
//
// New and NewWithDatabase retry the initial connection with exponential
// backoff, which covers cold starts of hosted clusters and brief network
// interruptions during deploys. A client is only returned after a ping
// against the primary succeeds.
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//
//	db, err := mongo.NewWithDatabase(ctx, cfg, "app")
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(ctx)
//
//	// integration/sessionstore/mongo
//	backend := sessionmongo.New(db)
//
// # Configuration
//
//	MONGODB_URL                 (required)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
//
// # Errors
//
//	ErrEmptyConnectionURL     - no URL configured
//	ErrFailedToConnectToMongo - all retry attempts are exhausted
//	ErrHealthcheckFailed      - health check ping failed
package mongo
