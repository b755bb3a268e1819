// Package engine defines the storage engine a shard drives and ships
// InternalEngine, a small reference implementation.
//
// InternalEngine is a versioned document store. Writes go to the translog and
// an in-memory indexing buffer. Refresh turns the buffer into an immutable
// segment visible to searchers. Flush writes pending segments to the store,
// publishes a commit point and trims the translog.
package engine
