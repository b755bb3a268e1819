package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	currentBlob  = "CURRENT"
	commitPrefix = "commit_"
	commitSuffix = ".json"
	segPrefix    = "seg_"

	commitFormatVersion = 1

	// SyncIDKey is the commit user data key of a synced flush marker.
	SyncIDKey = "sync_id"
)

// SegmentInfo describes one segment referenced by a commit point.
type SegmentInfo struct {
	Name     string `json:"name"`
	Checksum uint32 `json:"checksum"`
	Size     int64  `json:"size"`
	DocCount int    `json:"doc_count"`
	// Deleted is a serialized roaring bitmap of deleted doc ordinals.
	Deleted []byte `json:"deleted,omitempty"`
}

// DeletedDocs decodes the deleted doc bitmap. It never returns nil.
func (si SegmentInfo) DeletedDocs() (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(si.Deleted) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(si.Deleted); err != nil {
		return nil, fmt.Errorf("store: decode deletes of %s: %w", si.Name, err)
	}
	return bm, nil
}

// LiveDocs returns the number of documents not marked deleted.
func (si SegmentInfo) LiveDocs() (int, error) {
	bm, err := si.DeletedDocs()
	if err != nil {
		return 0, err
	}
	return si.DocCount - int(bm.GetCardinality()), nil
}

// WithDeleted returns a copy of si carrying bm as its delete set.
func (si SegmentInfo) WithDeleted(bm *roaring.Bitmap) (SegmentInfo, error) {
	if bm == nil || bm.IsEmpty() {
		si.Deleted = nil
		return si, nil
	}
	bm.RunOptimize()
	data, err := bm.ToBytes()
	if err != nil {
		return si, err
	}
	si.Deleted = data
	return si, nil
}

// CommitPoint is a durable snapshot of a shard.
type CommitPoint struct {
	Version    int    `json:"version"`
	Generation uint64 `json:"generation"`
	// TranslogGeneration is the oldest translog generation still needed to
	// recover operations newer than this commit.
	TranslogGeneration uint64            `json:"translog_generation"`
	MaxSeqNo           int64             `json:"max_seq_no"`
	Segments           []SegmentInfo     `json:"segments"`
	UserData           map[string]string `json:"user_data,omitempty"`

	checksum uint32
}

// ID returns the id the commit was published under. It is only known for
// commit points read from or written to a Store.
func (cp *CommitPoint) ID() CommitID {
	return CommitID{Generation: cp.Generation, Checksum: cp.checksum}
}

// SyncID returns the marker written by a synced flush, or "".
func (cp *CommitPoint) SyncID() string {
	return cp.UserData[SyncIDKey]
}

// CommitID identifies a commit point.
type CommitID struct {
	Generation uint64
	Checksum   uint32
}

func (id CommitID) String() string {
	return fmt.Sprintf("%d/%08x", id.Generation, id.Checksum)
}

// NumDocs returns the live document count over all segments.
func (cp *CommitPoint) NumDocs() (int, error) {
	total := 0
	for _, si := range cp.Segments {
		n, err := si.LiveDocs()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func commitName(gen uint64) string {
	return fmt.Sprintf("%s%020d%s", commitPrefix, gen, commitSuffix)
}

func parseCommitName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, commitPrefix) || !strings.HasSuffix(name, commitSuffix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, commitPrefix), commitSuffix), 10, 64)
	return gen, err == nil
}

func segmentBlobName(name string) string { return segPrefix + name }

func encodeCommit(cp *CommitPoint) ([]byte, error) {
	return json.MarshalIndent(cp, "", "  ")
}

func decodeCommit(name string, data []byte) (*CommitPoint, error) {
	var cp CommitPoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: commit %s: %w", ErrCorrupted, name, err)
	}
	if cp.Version != commitFormatVersion {
		return nil, fmt.Errorf("%w: commit %s has unsupported version %d", ErrCorrupted, name, cp.Version)
	}
	cp.checksum = checksum(data)
	return &cp, nil
}
