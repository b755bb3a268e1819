// Package store persists the committed state of a shard on a blobstore.
//
// A commit point lists immutable segment blobs together with the set of
// deleted documents per segment and the translog generation that holds all
// operations newer than the commit. The CURRENT blob names the latest commit.
//
// Layout:
//
//	CURRENT            -> "commit_00000000000000000003.json"
//	commit_<gen>.json  commit point
//	seg_<name>         segment: header, lz4 document stream, CRC32 footer
//
// Integrity checks used during recovery live in [Store.VerifyChecksums] and
// [Store.CheckIndex].
package store
