package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
)

// Origin tells the engine where a write comes from.
type Origin uint8

const (
	// OriginPrimary is a client write on the primary copy.
	OriginPrimary Origin = iota
	// OriginReplica is a write replicated from the primary.
	OriginReplica
	// OriginPeerRecovery is an operation shipped by a peer during recovery.
	OriginPeerRecovery
	// OriginLocalTranslogRecovery is an operation replayed from the local translog.
	OriginLocalTranslogRecovery
)

func (o Origin) String() string {
	switch o {
	case OriginPrimary:
		return "primary"
	case OriginReplica:
		return "replica"
	case OriginPeerRecovery:
		return "peer_recovery"
	case OriginLocalTranslogRecovery:
		return "local_translog_recovery"
	default:
		return "unknown"
	}
}

// IsRecovery reports whether o is one of the recovery origins.
func (o Origin) IsRecovery() bool {
	return o == OriginPeerRecovery || o == OriginLocalTranslogRecovery
}

// MatchAny as an IndexOp or DeleteOp version on the primary skips the
// optimistic concurrency check.
const MatchAny int64 = 0

// IndexOp indexes one document.
type IndexOp struct {
	ID     string
	Source []byte
	// Version on the primary is the expected current version, or MatchAny.
	// On other origins it is the version to apply.
	Version int64
	Origin  Origin
	// SeqNo is the translog sequence number of a replayed op. Other origins
	// get one assigned by the translog.
	SeqNo uint64
}

// EstimateSize is the number of bytes the op adds to the indexing buffer.
func (op *IndexOp) EstimateSize() int64 {
	return int64(len(op.ID) + len(op.Source) + 24)
}

// IndexResult describes an applied index op.
type IndexResult struct {
	Version  int64
	Created  bool
	Location translog.Location
	// Noop is set when a non-primary op was older than the current version.
	Noop bool
}

// DeleteOp deletes one document.
type DeleteOp struct {
	ID      string
	Version int64
	Origin  Origin
	SeqNo   uint64
}

// DeleteResult describes an applied delete op.
type DeleteResult struct {
	Version  int64
	Found    bool
	Location translog.Location
	Noop     bool
}

// Get reads one document.
type Get struct {
	ID string
	// Realtime reads writes that were not refreshed yet.
	Realtime bool
}

// GetResult is the outcome of a Get.
type GetResult struct {
	Found bool
	Doc   store.Document
}

// SyncedFlushResult is the outcome of a synced flush.
type SyncedFlushResult uint8

const (
	// SyncedFlushSuccess means the sync id was written to a new commit.
	SyncedFlushSuccess SyncedFlushResult = iota
	// SyncedFlushCommitMismatch means the last commit is not the expected one.
	SyncedFlushCommitMismatch
	// SyncedFlushPendingOperations means there are uncommitted operations.
	SyncedFlushPendingOperations
)

func (r SyncedFlushResult) String() string {
	switch r {
	case SyncedFlushSuccess:
		return "success"
	case SyncedFlushCommitMismatch:
		return "commit_mismatch"
	case SyncedFlushPendingOperations:
		return "pending_operations"
	default:
		return "unknown"
	}
}

// FailureListener is told when the engine fails.
type FailureListener interface {
	OnFailedEngine(shardID, reason string, cause error)
}

// FailureListenerFunc adapts a function to FailureListener.
type FailureListenerFunc func(shardID, reason string, cause error)

// OnFailedEngine calls f.
func (f FailureListenerFunc) OnFailedEngine(shardID, reason string, cause error) {
	f(shardID, reason, cause)
}

// Config is everything needed to open an engine.
type Config struct {
	ShardID string
	Store   *store.Store
	// Translog configures the translog the engine opens and owns.
	Translog func(*translog.Options)
	// Create starts a fresh index instead of opening the last commit.
	Create          bool
	Logger          *slog.Logger
	FailureListener FailureListener
	Resources       *resource.Controller
	// GCDeletes is how long tombstones are kept once GC is enabled.
	GCDeletes time.Duration
	// GCDeletesEnabled is the initial GC state.
	GCDeletesEnabled bool
}

// Engine is the storage engine behind a shard.
type Engine interface {
	Index(ctx context.Context, op *IndexOp) (IndexResult, error)
	Delete(ctx context.Context, op *DeleteOp) (DeleteResult, error)
	Get(ctx context.Context, get Get) (GetResult, error)
	AcquireSearcher(source string) (*Searcher, error)

	Refresh(ctx context.Context, source string) error
	RefreshNeeded() bool
	Flush(ctx context.Context, force, waitIfOngoing bool) (store.CommitID, error)
	// SyncFlush marks the last commit with syncID if it is expected and no
	// operations are pending.
	SyncFlush(ctx context.Context, syncID string, expected store.CommitID) (SyncedFlushResult, error)
	// SnapshotIndex pins the last commit, optionally flushing first.
	SnapshotIndex(ctx context.Context, flushFirst bool) (*store.CommitSnapshot, error)
	// WriteIndexingBuffer moves buffered documents into a written segment
	// without publishing a commit.
	WriteIndexingBuffer(ctx context.Context) error
	// IndexingBufferBytes is the memory held by documents not yet written.
	IndexingBufferBytes() int64

	FlushAndClose(ctx context.Context) error
	Close() error

	Translog() *translog.Translog
	TranslogSizeInBytes() int64
	EnsureTranslogSynced(loc translog.Location) (bool, error)

	EnableGCDeletes(enabled bool)
	// ActivateThrottling limits writes to one at a time until the matching
	// DeactivateThrottling. Activations nest.
	ActivateThrottling() error
	DeactivateThrottling() error
	IsThrottled() bool
	FailEngine(reason string, cause error)
	LastWriteTime() time.Time
}

// Factory opens an engine.
type Factory func(cfg Config) (Engine, error)

// NewInternal is the Factory of InternalEngine.
func NewInternal(cfg Config) (Engine, error) {
	return Open(cfg)
}
