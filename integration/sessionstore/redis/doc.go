// Package redis implements a session.Backend on Redis.
//
// Each session is a hash at <prefix>session:<id> holding the encoded record,
// its expiry in milliseconds, the node that wrote it last and the save time.
// Mortal sessions are also scored by expiry in the sorted set <prefix>expiry,
// so sweeps for expired sessions are a single range query. The set
// <prefix>ids lists every stored id.
//
//	client, err := redisdb.Connect(ctx, redisCfg) // integration/database/redis
//	if err != nil {
//		return err
//	}
//
//	backend := redis.New(client, redis.WithNodeName("node1"))
//	store := session.NewDataStore(backend, session.WithSavePeriod(time.Minute))
//	manager := session.NewManager(store, session.WithWorkerName("node1"))
//
// Expired only returns sessions this node wrote last; CleanOrphans removes
// long expired sessions regardless of owner.
package redis
