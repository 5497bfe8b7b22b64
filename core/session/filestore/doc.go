// Package filestore provides a session.Backend that keeps one file per session
// in a local or shared directory.
//
// Each file is named <expiryMs>_<id>, where expiryMs is the absolute expiry in
// milliseconds since the epoch and 0 marks an immortal session. Expiry checks
// and orphan sweeps only list the directory; file contents are decoded on Load.
// Writes go to a temporary file that is renamed into place, so readers never
// see a partial record.
//
// Usage:
//
//	files, err := filestore.New("/var/lib/app/sessions",
//		filestore.WithDeleteUnrestorableFiles(true))
//	if err != nil {
//		return err
//	}
//	manager := session.NewManager(session.NewDataStore(files))
//	if err := manager.Start(ctx); err != nil { // rebuilds the file index
//		return err
//	}
//
// Several nodes may point at the same directory. The in-memory id index is
// only a cache: a miss lists the directory, and Initialize resolves duplicate
// files left by crashed nodes by keeping the one that expires last.
//
// Configuration can be loaded from the environment:
//
//	SESSION_FILE_DIR                  (default: ./sessions)
//	SESSION_FILE_DELETE_UNRESTORABLE  (default: false)
package filestore
