// Package blobstore abstracts where a shard keeps its committed files.
//
// A shard store writes immutable segment blobs, a commit point blob per
// commit generation, and a small CURRENT blob naming the latest commit point.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, used by tests and ephemeral shards
//   - LocalStore: a directory, with atomic temp-file-and-rename writes
//   - s3.Store: Amazon S3, with s3.DDBCommitStore adding DynamoDB conditional
//     writes for the CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible services
package blobstore
