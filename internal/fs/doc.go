// Package fs abstracts the file system used by the local blob store and the
// shard state file store, so tests can inject I/O failures.
//
//   - [LocalFS] is the production implementation on top of package os.
//   - [FaultyFS] wraps another FileSystem and fails writes, syncs, closes,
//     opens or renames of files whose name matches a rule.
//
// Operations take no context: local syscalls cannot be interrupted, and
// remote storage goes through package blobstore, which is context aware.
package fs
