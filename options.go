package indexshard

import (
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/internal/threadpool"
	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/shardstate"
	"github.com/hupe1980/indexshard/translog"
)

// Settings are the dynamic shard settings. They can be changed at runtime
// with UpdateSettings.
type Settings struct {
	// RefreshInterval is the delay between scheduled refreshes. <= 0
	// disables scheduled refreshes.
	RefreshInterval time.Duration

	// FlushThresholdSize triggers an async flush once the translog grows
	// beyond it. <= 0 disables size-triggered flushes.
	FlushThresholdSize int64

	// FlushOnClose flushes the engine before it is closed.
	FlushOnClose bool

	// GCDeletesEnabled allows the engine to forget tombstones.
	GCDeletesEnabled bool

	// GCDeletes is how long tombstones are kept.
	GCDeletes time.Duration

	// CheckOnStartup selects the integrity check run before recovery.
	CheckOnStartup CheckMode

	// InactiveTime is how long a shard may go without writes before
	// CheckIdle marks it inactive.
	InactiveTime time.Duration
}

// DefaultSettings are applied when no settings are given.
var DefaultSettings = Settings{
	RefreshInterval:    time.Second,
	FlushThresholdSize: 512 << 20,
	FlushOnClose:       true,
	GCDeletesEnabled:   true,
	GCDeletes:          60 * time.Second,
	CheckOnStartup:     CheckOff,
	InactiveTime:       5 * time.Minute,
}

type options struct {
	settings       Settings
	logger         *Logger
	metrics        MetricsObserver
	engineFactory  engine.Factory
	translog       func(*translog.Options)
	routing        *RoutingEntry
	listeners      []EventListener
	resources      *resource.Controller
	indexingMemory *resource.IndexingMemory
	stateStore     shardstate.Store
	indexUUID      string
	threadPool     *threadpool.ThreadPool
	lockDir        string
}

// Option configures an IndexShard.
type Option func(*options)

// WithSettings sets the initial dynamic settings.
func WithSettings(settings Settings) Option {
	return func(o *options) {
		o.settings = settings
	}
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsObserver{}
		}
		o.metrics = m
	}
}

// WithEngineFactory replaces the engine implementation. Defaults to
// engine.NewInternal.
func WithEngineFactory(f engine.Factory) Option {
	return func(o *options) {
		o.engineFactory = f
	}
}

// WithTranslog configures the translog of every engine the shard opens.
//
// Example:
//
//	indexshard.WithTranslog(func(o *translog.Options) {
//	    o.Path = "./data/idx-0/translog"
//	    o.Durability = translog.DurabilityRequest
//	})
func WithTranslog(fn func(*translog.Options)) Option {
	return func(o *options) {
		o.translog = fn
	}
}

// WithRoutingEntry sets the initial routing entry. Without it the shard starts
// as an initializing primary.
func WithRoutingEntry(r RoutingEntry) Option {
	return func(o *options) {
		o.routing = &r
	}
}

// WithEventListener registers a lifecycle listener.
func WithEventListener(l EventListener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

// WithResources shares a resource controller with the engine.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithIndexingMemory registers the shard with a node-wide indexing buffer
// accountant.
func WithIndexingMemory(m *resource.IndexingMemory) Option {
	return func(o *options) {
		o.indexingMemory = m
	}
}

// WithStateStore persists routing state on UpdateRoutingEntry.
func WithStateStore(st shardstate.Store, indexUUID string) Option {
	return func(o *options) {
		o.stateStore = st
		o.indexUUID = indexUUID
	}
}

// WithThreadPool shares executors between shards. Without it each shard
// creates and owns its own.
func WithThreadPool(tp *threadpool.ThreadPool) Option {
	return func(o *options) {
		o.threadPool = tp
	}
}

// WithShardLock takes an exclusive lock on dir for the lifetime of the shard.
func WithShardLock(dir string) Option {
	return func(o *options) {
		o.lockDir = dir
	}
}
