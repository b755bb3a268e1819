// Package s3 stores shard files in Amazon S3.
//
// [Store] maps blob names to keys under a root prefix. S3 has no compare and
// swap, so two writers publishing commit points could overwrite each other's
// CURRENT pointer. [DDBCommitStore] closes that gap by recording each CURRENT
// update as a conditional DynamoDB write.
//
//	store, err := s3.Connect(ctx, s3.Options{Bucket: "shards", Prefix: "idx/0"})
//	st := store.New(store)
package s3
