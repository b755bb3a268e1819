package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/blobstore"
	"github.com/hupe1980/indexshard/blobstore/minio"
	"github.com/hupe1980/indexshard/blobstore/s3"
	"github.com/hupe1980/indexshard/config"
	"github.com/hupe1980/indexshard/shardstate"
)

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*indexshard.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "json" {
		return indexshard.NewJSONLogger(level), nil
	}
	return indexshard.NewTextLogger(level), nil
}

// openBlobStore connects the configured storage backend.
func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "local":
		if err := os.MkdirAll(cfg.Storage.Local.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		return blobstore.NewLocalStore(cfg.Storage.Local.Path), nil
	case "s3":
		sc := cfg.Storage.S3
		st, err := s3.Connect(ctx, s3.Options{
			Bucket:   sc.Bucket,
			Prefix:   sc.Prefix,
			Region:   sc.Region,
			Endpoint: sc.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		if sc.DynamoDBTable == "" {
			return st, nil
		}
		var loadOpts []func(*awsconfig.LoadOptions) error
		if sc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		shardURI := fmt.Sprintf("s3://%s/%s", sc.Bucket, sc.Prefix)
		return s3.NewDDBCommitStore(st, dynamodb.NewFromConfig(awsCfg), sc.DynamoDBTable, shardURI), nil
	case "minio":
		mc := cfg.Storage.MinIO
		return minio.Connect(ctx, minio.Options{
			Endpoint:     mc.Endpoint,
			AccessKey:    mc.AccessKey,
			SecretKey:    mc.SecretKey,
			Region:       mc.Region,
			Secure:       mc.Secure,
			Bucket:       mc.Bucket,
			Prefix:       mc.Prefix,
			CreateBucket: mc.CreateBucket,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openStateStore opens the shard state backend. It returns nil for "none".
func openStateStore(cfg *config.Config) (shardstate.Store, error) {
	switch cfg.StateStore.Backend {
	case "none":
		return nil, nil
	case "file":
		if err := os.MkdirAll(cfg.StateStore.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		return shardstate.NewFileStore(cfg.StateStore.Path), nil
	case "badger":
		return shardstate.OpenBadgerStore(cfg.StateStore.Path)
	default:
		return nil, fmt.Errorf("unknown state store backend %q", cfg.StateStore.Backend)
	}
}
