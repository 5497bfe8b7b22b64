// Package s3 implements a session.Backend on Amazon S3 and S3-compatible services.
//
// Every session is one object named <prefix><expiryMs>_<id>, where expiryMs is
// 0 for immortal sessions. Expiry sweeps and orphan cleanup only list keys and
// never download records. A save that changes the expiry uploads the new key
// and deletes the previous one.
//
//	backend, err := s3.New(ctx, s3.Config{
//		Bucket: "my-app",
//		Region: "eu-west-1",
//		Prefix: "sessions/",
//	})
//	if err != nil {
//		return err
//	}
//	manager := session.NewManager(session.NewDataStore(backend))
//
// Initialize, called when the manager starts, lists the prefix, indexes the
// sessions and deletes objects superseded by a later save of the same id.
// Nodes may share a prefix: index misses fall back to a fresh listing.
//
// Errors from the SDK are classified: missing objects become
// session.ErrNotFound and the remaining cases map to ErrBucketNotFound,
// ErrAccessDenied, ErrOperationTimeout and ErrOperationCanceled.
package s3
