// Package mongo implements a session.Backend on MongoDB.
//
// Each session is one document:
//
//	{ _id: <session id>, expiry: <ms, 0 = immortal>, last_node: <node>, last_saved: <ms>, data: <record> }
//
// Initialize creates a compound index on expiry and last_node for the
// expiry sweeps.
//
//	db, err := mongodb.NewWithDatabase(ctx, mongoCfg, "app") // integration/database/mongo
//	if err != nil {
//		return err
//	}
//	backend := mongo.New(db, mongo.WithNodeName("node1"))
//	manager := session.NewManager(session.NewDataStore(backend))
package mongo
