// Package gapdb is an embedded record store for large, long-lived data files
// shared by several logical clients inside one process.
//
// A store is two files: a data file holding record images and an index file
// (the data file name plus ".aux") mapping each record number to its image.
// Every index entry carries two toggle slots; a commit writes the slot that
// is not currently authoritative and then the header with a new edit time,
// so a crash at any point leaves either the old or the new image in force.
//
// Basic usage:
//
//	opts := gapdb.DefaultOptions()
//	opts.CreateIfMissing = true
//	db, err := gapdb.Open("/data/project.g", opts)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	c, err := db.Connect(gapdb.LockWrite)
//	if err != nil {
//		return err
//	}
//	v, err := db.Lock(c, 12, gapdb.LockWrite)
//	if err != nil {
//		return err
//	}
//	if err := db.Write(c, v, []byte("contig 12")); err != nil {
//		return err
//	}
//	return db.Unlock(c, v)
//
// Clients work through views. A view caches the record's image location
// privately; writes go to freshly allocated space and become visible to
// other views only when the view is unlocked or flushed. Two views that
// write the same record race optimistically: the second commit fails with
// ErrConflict and its view is reloaded with the winning image.
//
// A client holding the file lock (LockFile) makes other clients' commits
// queue up until UnlockFile, which applies them as a single batch.
//
// Errors wrapping ErrFatal (see IsFatal) mean the store can no longer be
// trusted: the DB refuses every later call and the program should exit.
package gapdb
