// Package config loads the process configuration of a shard node.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (INDEXSHARD_*), including those set by a .env file
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/translog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g.
// INDEXSHARD_INDEX_REFRESH_INTERVAL=5s.
const EnvPrefix = "INDEXSHARD"

// Config is the configuration of one shard node.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Shard identifies the shard copy served by this process
	Shard ShardConfig `mapstructure:"shard" yaml:"shard"`

	// Index holds the dynamic shard settings. Changes to this section are
	// applied to a running shard by Watch.
	Index IndexConfig `mapstructure:"index" yaml:"index"`

	// Translog configures the write-ahead log
	Translog TranslogConfig `mapstructure:"translog" yaml:"translog"`

	// Storage selects where commits and segments are stored
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// StateStore selects where routing state is persisted
	StateStore StateStoreConfig `mapstructure:"state_store" yaml:"state_store"`

	// Resources are node-wide limits
	Resources ResourcesConfig `mapstructure:"resources" yaml:"resources"`

	// Server configures the admin HTTP server
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// ShardConfig identifies the shard copy.
type ShardConfig struct {
	ID           string `mapstructure:"id" validate:"required" yaml:"id"`
	IndexUUID    string `mapstructure:"index_uuid" yaml:"index_uuid,omitempty"`
	AllocationID string `mapstructure:"allocation_id" yaml:"allocation_id,omitempty"`
	Primary      bool   `mapstructure:"primary" yaml:"primary"`

	// DataDir holds the translog, the shard lock and local state.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`
}

// IndexConfig mirrors indexshard.Settings.
type IndexConfig struct {
	RefreshInterval    time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	FlushThresholdSize ByteSize      `mapstructure:"flush_threshold_size" yaml:"flush_threshold_size"`
	FlushOnClose       bool          `mapstructure:"flush_on_close" yaml:"flush_on_close"`
	GCDeletesEnabled   bool          `mapstructure:"gc_deletes_enabled" yaml:"gc_deletes_enabled"`
	GCDeletes          time.Duration `mapstructure:"gc_deletes" validate:"gte=0" yaml:"gc_deletes"`
	CheckOnStartup     string        `mapstructure:"check_on_startup" validate:"omitempty,oneof=false checksum true fix" yaml:"check_on_startup"`
	InactiveTime       time.Duration `mapstructure:"inactive_time" validate:"gte=0" yaml:"inactive_time"`
}

// TranslogConfig configures the translog.
type TranslogConfig struct {
	Durability          string        `mapstructure:"durability" validate:"oneof=async group_commit sync request" yaml:"durability"`
	Compression         string        `mapstructure:"compression" validate:"oneof=none zstd lz4" yaml:"compression"`
	CompressionLevel    int           `mapstructure:"compression_level" validate:"gte=0,lte=22" yaml:"compression_level"`
	GroupCommitInterval time.Duration `mapstructure:"group_commit_interval" yaml:"group_commit_interval"`
	GroupCommitMaxOps   int           `mapstructure:"group_commit_max_ops" validate:"gte=0" yaml:"group_commit_max_ops"`
}

// StorageConfig selects the blob store backend.
type StorageConfig struct {
	// Backend is one of local, memory, s3 or minio
	Backend string      `mapstructure:"backend" validate:"required,oneof=local memory s3 minio" yaml:"backend"`
	Local   LocalConfig `mapstructure:"local" yaml:"local"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
	MinIO   MinIOConfig `mapstructure:"minio" yaml:"minio"`
}

// LocalConfig configures the local file system backend.
type LocalConfig struct {
	// Path defaults to <data_dir>/index
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// DynamoDBTable, if set, keeps the CURRENT commit pointer in DynamoDB so
	// that concurrent writers cannot overwrite each other's commits.
	DynamoDBTable string `mapstructure:"dynamodb_table" yaml:"dynamodb_table,omitempty"`

	Enabled bool `mapstructure:"-" yaml:"-"`
}

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint     string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	Region       string `mapstructure:"region" yaml:"region,omitempty"`
	Secure       bool   `mapstructure:"secure" yaml:"secure"`
	Bucket       string `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	CreateBucket bool   `mapstructure:"create_bucket" yaml:"create_bucket"`

	Enabled bool `mapstructure:"-" yaml:"-"`
}

// StateStoreConfig selects the shard state backend.
type StateStoreConfig struct {
	// Backend is one of file, badger or none
	Backend string `mapstructure:"backend" validate:"required,oneof=file badger none" yaml:"backend"`

	// Path defaults to <data_dir>/_state
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// ResourcesConfig holds node-wide limits.
type ResourcesConfig struct {
	MemoryLimit          ByteSize `mapstructure:"memory_limit" yaml:"memory_limit"`
	MaxConcurrentFlushes int64    `mapstructure:"max_concurrent_flushes" validate:"gte=0" yaml:"max_concurrent_flushes"`
	IORateLimit          ByteSize `mapstructure:"io_rate_limit" yaml:"io_rate_limit"`

	// IndexingBuffer is the node-wide budget of indexed but unwritten bytes.
	IndexingBuffer ByteSize `mapstructure:"indexing_buffer" yaml:"indexing_buffer"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
	Metrics         bool          `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	s := indexshard.DefaultSettings
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Shard:   ShardConfig{ID: "shard[0]", Primary: true, DataDir: "./data"},
		Index: IndexConfig{
			RefreshInterval:    s.RefreshInterval,
			FlushThresholdSize: ByteSize(s.FlushThresholdSize),
			FlushOnClose:       s.FlushOnClose,
			GCDeletesEnabled:   s.GCDeletesEnabled,
			GCDeletes:          s.GCDeletes,
			CheckOnStartup:     s.CheckOnStartup.String(),
			InactiveTime:       s.InactiveTime,
		},
		Translog: TranslogConfig{
			Durability:          translog.DefaultOptions.Durability.String(),
			Compression:         translog.DefaultOptions.Compression.String(),
			CompressionLevel:    translog.DefaultOptions.CompressionLevel,
			GroupCommitInterval: translog.DefaultOptions.GroupCommitInterval,
			GroupCommitMaxOps:   translog.DefaultOptions.GroupCommitMaxOps,
		},
		Storage:    StorageConfig{Backend: "local"},
		StateStore: StateStoreConfig{Backend: "file"},
		Resources: ResourcesConfig{
			MaxConcurrentFlushes: 1,
			IndexingBuffer:       256 * MiB,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:9200",
			ShutdownTimeout: 30 * time.Second,
			Metrics:         true,
		},
	}
}

// Load reads the configuration. An empty path, or a path that does not
// exist, yields the defaults overridden by the environment.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Reading the defaults as a config document makes every key known to
	// viper, so AutomaticEnv can override keys the file does not mention.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in paths derived from the data directory.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Local.Path == "" {
		cfg.Storage.Local.Path = filepath.Join(cfg.Shard.DataDir, "index")
	}
	if cfg.StateStore.Path == "" {
		cfg.StateStore.Path = filepath.Join(cfg.Shard.DataDir, "_state")
	}
	cfg.Storage.S3.Enabled = cfg.Storage.Backend == "s3"
	cfg.Storage.MinIO.Enabled = cfg.Storage.Backend == "minio"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of cfg.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

// Save writes cfg as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// Credentials may be part of the file.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook accepts "512MiB", "1 GB" or plain numbers for ByteSize
// fields.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s", "5m" or nanoseconds for durations.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Settings converts the index section to shard settings.
func (c IndexConfig) Settings() (indexshard.Settings, error) {
	mode, err := indexshard.ParseCheckMode(c.CheckOnStartup)
	if err != nil {
		return indexshard.Settings{}, err
	}
	return indexshard.Settings{
		RefreshInterval:    c.RefreshInterval,
		FlushThresholdSize: int64(c.FlushThresholdSize),
		FlushOnClose:       c.FlushOnClose,
		GCDeletesEnabled:   c.GCDeletesEnabled,
		GCDeletes:          c.GCDeletes,
		CheckOnStartup:     mode,
		InactiveTime:       c.InactiveTime,
	}, nil
}

// Options returns a translog option function writing to dir.
func (c TranslogConfig) Options(dir string) (func(*translog.Options), error) {
	durability, err := translog.ParseDurability(c.Durability)
	if err != nil {
		return nil, err
	}
	compression, err := translog.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	return func(o *translog.Options) {
		o.Path = dir
		o.Durability = durability
		o.Compression = compression
		o.CompressionLevel = c.CompressionLevel
		if c.GroupCommitInterval > 0 {
			o.GroupCommitInterval = c.GroupCommitInterval
		}
		if c.GroupCommitMaxOps > 0 {
			o.GroupCommitMaxOps = c.GroupCommitMaxOps
		}
	}, nil
}

// Controller returns the resource controller config.
func (c ResourcesConfig) Controller() resource.Config {
	return resource.Config{
		MemoryLimitBytes:     int64(c.MemoryLimit),
		MaxConcurrentFlushes: c.MaxConcurrentFlushes,
		IOLimitBytesPerSec:   int64(c.IORateLimit),
	}
}

// TranslogDir is where the translog generations live.
func (c *Config) TranslogDir() string {
	return filepath.Join(c.Shard.DataDir, "translog")
}
