// Package minio stores shard files in MinIO or any S3-compatible server
// (Ceph, Garage, SeaweedFS) through the MinIO client.
//
//	store, err := minio.Connect(ctx, minio.Options{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "shards",
//	    Prefix:    "idx/0",
//	})
package minio
