package translog

import (
	"fmt"
	"time"
)

// Durability defines the fsync behavior for translog writes.
type Durability int

const (
	// DurabilityAsync never fsyncs on write. Operations become durable on the
	// next explicit Sync or generation rollover.
	DurabilityAsync Durability = iota

	// DurabilityGroupCommit batches fsyncs at a fixed interval. Writers block
	// until the batch containing their operation is persisted.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every operation.
	DurabilitySync
)

// DurabilityRequest makes every request durable before it returns.
const DurabilityRequest = DurabilitySync

func (d Durability) String() string {
	switch d {
	case DurabilityAsync:
		return "async"
	case DurabilityGroupCommit:
		return "group_commit"
	case DurabilitySync:
		return "sync"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// ParseDurability parses the names returned by Durability.String.
func ParseDurability(s string) (Durability, error) {
	switch s {
	case "async":
		return DurabilityAsync, nil
	case "group_commit", "":
		return DurabilityGroupCommit, nil
	case "sync", "request":
		return DurabilitySync, nil
	default:
		return 0, fmt.Errorf("translog: unknown durability %q", s)
	}
}

// Compression selects the stream codec of a generation file.
type Compression uint8

const (
	// CompressionNone writes records as is.
	CompressionNone Compression = iota
	// CompressionZstd wraps the record stream in a zstd encoder.
	CompressionZstd
	// CompressionLZ4 wraps the record stream in an lz4 frame.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the names returned by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("translog: unknown compression %q", s)
	}
}

// OpType is the kind of a translog operation.
type OpType uint8

const (
	// OpIndex adds or replaces a document.
	OpIndex OpType = iota + 1
	// OpDelete removes a document.
	OpDelete
	// OpNoop records a sequence number without a document change.
	OpNoop
)

func (t OpType) String() string {
	switch t {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	case OpNoop:
		return "noop"
	default:
		return fmt.Sprintf("op(%d)", uint8(t))
	}
}

// Operation is a single translog record.
type Operation struct {
	Type    OpType
	SeqNo   uint64 // Assigned by Add
	ID      string
	Version int64
	Source  []byte
}

// EstimateSize returns the approximate in-memory footprint of op.
func (op Operation) EstimateSize() int64 {
	return int64(recordHeaderLen + payloadFixedLen + len(op.ID) + len(op.Source))
}

// Location identifies where an operation was written.
type Location struct {
	Generation uint64
	SeqNo      uint64
}

// Options contains configuration for the translog.
type Options struct {
	// Path is the directory holding the generation files.
	Path string

	// Compression selects the stream codec for new generations. Existing
	// generations keep the codec recorded in their header.
	Compression Compression

	// CompressionLevel is codec specific: zstd accepts 1-22, lz4 accepts 0-9
	// where 0 is the fast mode.
	CompressionLevel int

	// Durability controls fsync behavior.
	Durability Durability

	// GroupCommitInterval is the maximum time a group commit batch stays open.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps forces an fsync once this many operations are pending.
	GroupCommitMaxOps int
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	Path:                ".",
	Compression:         CompressionNone,
	CompressionLevel:    3,
	Durability:          DurabilityGroupCommit,
	GroupCommitInterval: 5 * time.Millisecond,
	GroupCommitMaxOps:   128,
}
