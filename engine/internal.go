package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/indexshard/internal/threadpool"
	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	numUIDLocks      = 64
	defaultGCDeletes = 60 * time.Second
	maxIDLength      = 512
)

var errEmptyID = errors.New("engine: document id must not be empty")

// versionValue is the latest known state of one document id.
type versionValue struct {
	Version int64
	SeqNo   int64
	Deleted bool
	Time    int64 // unix nanos of the write, for tombstone GC
}

type docRef struct {
	segment string
	ord     uint32
}

// InternalEngine is the reference Engine.
type InternalEngine struct {
	shardID string
	cfg     Config
	store   *store.Store
	tlog    *translog.Translog
	res     *resource.Controller
	logger  *slog.Logger

	// lifecycle is held shared by every operation and exclusively by Close.
	lifecycle sync.RWMutex
	closed    bool
	failure   atomic.Pointer[EngineFailedError]

	// writeLock is held shared by writes and exclusively while a flush rolls
	// the translog, so a commit never splits a write from its translog record.
	writeLock sync.RWMutex
	uidLocks  [numUIDLocks]sync.Mutex
	seed      maphash.Seed

	// throttleMu serializes writes while throttled > 0.
	throttleMu sync.Mutex
	throttled  atomic.Int32

	versions *xsync.MapOf[string, versionValue]

	bufMu          sync.Mutex
	buffer         map[string]*store.Document
	refreshing     map[string]*store.Document
	pendingDeletes map[string]struct{}
	bufferBytes    int64

	refreshMu sync.Mutex
	reader    atomic.Pointer[readerSnapshot]
	where     map[string]docRef
	segSeq    uint64

	flushMu    sync.Mutex
	lastCommit atomic.Pointer[store.CommitID]

	maxSeqNo      atomic.Int64
	gcEnabled     atomic.Bool
	lastWrite     atomic.Int64
	openSearchers atomic.Int64
}

// Open opens an InternalEngine on cfg.Store. With cfg.Create a new empty
// commit is published, otherwise the last commit is loaded.
func Open(cfg Config) (*InternalEngine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: config has no store")
	}
	if cfg.GCDeletes <= 0 {
		cfg.GCDeletes = defaultGCDeletes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("shard", cfg.ShardID)

	ctx := context.Background()
	e := &InternalEngine{
		shardID:        cfg.ShardID,
		cfg:            cfg,
		store:          cfg.Store,
		res:            cfg.Resources,
		logger:         logger,
		seed:           maphash.MakeSeed(),
		versions:       xsync.NewMapOf[string, versionValue](),
		buffer:         make(map[string]*store.Document),
		pendingDeletes: make(map[string]struct{}),
		where:          make(map[string]docRef),
	}
	e.reader.Store(&readerSnapshot{})
	e.gcEnabled.Store(cfg.GCDeletesEnabled)
	e.lastWrite.Store(time.Now().UnixNano())

	var cp *store.CommitPoint
	if !cfg.Create {
		var err error
		if cp, err = cfg.Store.ReadLastCommit(ctx); err != nil {
			return nil, fmt.Errorf("engine: open last commit: %w", err)
		}
	}

	var tlogOpts []func(*translog.Options)
	if cfg.Translog != nil {
		tlogOpts = append(tlogOpts, cfg.Translog)
	}
	tlog, err := translog.New(tlogOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: open translog: %w", err)
	}
	tlog.SetLogger(logger)
	e.tlog = tlog

	fail := func(err error) (*InternalEngine, error) {
		_ = tlog.Close()
		return nil, err
	}

	if cfg.Create {
		// Nothing in an older generation belongs to the new index.
		if err := tlog.Trim(); err != nil {
			return fail(fmt.Errorf("engine: trim translog: %w", err))
		}
		id, err := cfg.Store.Commit(ctx, &store.CommitPoint{TranslogGeneration: tlog.Generation()})
		if err != nil {
			return fail(fmt.Errorf("engine: create commit: %w", err))
		}
		e.lastCommit.Store(&id)
		logger.Info("created new index", "commit", id.String())
		return e, nil
	}

	if err := tlog.TrimBelow(cp.TranslogGeneration); err != nil {
		return fail(fmt.Errorf("engine: trim translog: %w", err))
	}
	if err := e.loadCommit(ctx, cp); err != nil {
		return fail(err)
	}
	if cp.MaxSeqNo > e.maxSeqNo.Load() {
		e.maxSeqNo.Store(cp.MaxSeqNo)
	}
	tlog.AdvanceSeqNo(uint64(e.maxSeqNo.Load()))
	if err := cfg.Store.DeleteUnreferenced(ctx); err != nil {
		logger.Warn("failed to delete unreferenced blobs", "error", err)
	}
	id := cp.ID()
	e.lastCommit.Store(&id)
	logger.Info("opened index", "generation", cp.Generation, "segments", len(cp.Segments))
	return e, nil
}

func (e *InternalEngine) loadCommit(ctx context.Context, cp *store.CommitPoint) error {
	segments := make([]*segment, 0, len(cp.Segments))
	for _, si := range cp.Segments {
		data, err := e.store.ReadSegment(ctx, si)
		if err != nil {
			return fmt.Errorf("engine: load segment %s: %w", si.Name, err)
		}
		deleted, err := si.DeletedDocs()
		if err != nil {
			return err
		}
		info := si
		seg := newSegment(si.Name, data.Docs, &segmentFile{info: &info})
		seg.deleted = deleted
		segments = append(segments, seg)

		for ord, doc := range seg.docs {
			if deleted.Contains(uint32(ord)) {
				continue
			}
			e.where[doc.ID] = docRef{segment: seg.name, ord: uint32(ord)}
			e.versions.Store(doc.ID, versionValue{Version: doc.Version, SeqNo: doc.SeqNo})
			if doc.SeqNo > e.maxSeqNo.Load() {
				e.maxSeqNo.Store(doc.SeqNo)
			}
		}
		if n, err := strconv.ParseUint(si.Name, 36, 64); err == nil && n >= e.segSeq {
			e.segSeq = n + 1
		}
	}
	e.reader.Store(&readerSnapshot{segments: segments, version: 1})
	return nil
}

func (e *InternalEngine) ensureOpen() error {
	if f := e.failure.Load(); f != nil {
		return fmt.Errorf("%w: %w", ErrEngineClosed, f)
	}
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *InternalEngine) uidLock(id string) *sync.Mutex {
	return &e.uidLocks[maphash.String(e.seed, id)%numUIDLocks]
}

func validateID(id string) error {
	if id == "" {
		return errEmptyID
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("engine: document id longer than %d bytes", maxIDLength)
	}
	return nil
}

func docSize(d *store.Document) int64 {
	return int64(len(d.ID) + len(d.Source) + 24)
}

// Index applies op.
func (e *InternalEngine) Index(ctx context.Context, op *IndexOp) (IndexResult, error) {
	seqNo := int64(op.SeqNo)
	if err := validateID(op.ID); err != nil {
		return IndexResult{}, err
	}
	size := op.EstimateSize()
	if err := e.res.AcquireMemory(ctx, size); err != nil {
		return IndexResult{}, err
	}
	reserved := true
	defer func() {
		if reserved {
			e.res.ReleaseMemory(size)
		}
	}()

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return IndexResult{}, err
	}
	if e.throttled.Load() > 0 {
		e.throttleMu.Lock()
		defer e.throttleMu.Unlock()
	}

	e.writeLock.RLock()
	defer e.writeLock.RUnlock()
	lock := e.uidLock(op.ID)
	lock.Lock()
	defer lock.Unlock()

	cur, exists := e.versions.Load(op.ID)
	live := exists && !cur.Deleted

	var version int64
	if op.Origin == OriginPrimary {
		current := int64(0)
		if live {
			current = cur.Version
		}
		if op.Version != MatchAny && op.Version != current {
			return IndexResult{}, &VersionConflictError{ID: op.ID, Expected: op.Version, Current: current}
		}
		version = cur.Version + 1
	} else {
		if op.Version <= cur.Version {
			return IndexResult{Version: cur.Version, Noop: true}, nil
		}
		version = op.Version
	}

	var loc translog.Location
	if op.Origin != OriginLocalTranslogRecovery {
		var err error
		loc, err = e.tlog.Add(translog.Operation{Type: translog.OpIndex, ID: op.ID, Version: version, Source: op.Source})
		if err != nil {
			e.failAsync("failed to write translog", err)
			return IndexResult{}, fmt.Errorf("engine: write translog: %w", err)
		}
		seqNo = int64(loc.SeqNo)
	}

	doc := &store.Document{ID: op.ID, Version: version, SeqNo: seqNo, Source: op.Source}
	e.bufMu.Lock()
	if prev, ok := e.buffer[op.ID]; ok {
		n := docSize(prev)
		e.bufferBytes -= n
		e.res.ReleaseMemory(n)
	}
	e.buffer[op.ID] = doc
	delete(e.pendingDeletes, op.ID)
	e.bufferBytes += size
	reserved = false
	e.bufMu.Unlock()

	now := time.Now().UnixNano()
	e.versions.Store(op.ID, versionValue{Version: version, SeqNo: seqNo, Time: now})
	e.advanceSeqNo(seqNo)
	e.lastWrite.Store(now)

	return IndexResult{Version: version, Created: !live, Location: loc}, nil
}

// Delete applies op.
func (e *InternalEngine) Delete(_ context.Context, op *DeleteOp) (DeleteResult, error) {
	seqNo := int64(op.SeqNo)
	if err := validateID(op.ID); err != nil {
		return DeleteResult{}, err
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return DeleteResult{}, err
	}
	if e.throttled.Load() > 0 {
		e.throttleMu.Lock()
		defer e.throttleMu.Unlock()
	}

	e.writeLock.RLock()
	defer e.writeLock.RUnlock()
	lock := e.uidLock(op.ID)
	lock.Lock()
	defer lock.Unlock()

	cur, exists := e.versions.Load(op.ID)
	live := exists && !cur.Deleted

	var version int64
	if op.Origin == OriginPrimary {
		if op.Version != MatchAny && (!live || op.Version != cur.Version) {
			current := int64(0)
			if live {
				current = cur.Version
			}
			return DeleteResult{}, &VersionConflictError{ID: op.ID, Expected: op.Version, Current: current}
		}
		version = cur.Version + 1
	} else {
		if op.Version <= cur.Version {
			return DeleteResult{Version: cur.Version, Noop: true}, nil
		}
		version = op.Version
	}

	var loc translog.Location
	if op.Origin != OriginLocalTranslogRecovery {
		var err error
		loc, err = e.tlog.Add(translog.Operation{Type: translog.OpDelete, ID: op.ID, Version: version})
		if err != nil {
			e.failAsync("failed to write translog", err)
			return DeleteResult{}, fmt.Errorf("engine: write translog: %w", err)
		}
		seqNo = int64(loc.SeqNo)
	}

	e.bufMu.Lock()
	if prev, ok := e.buffer[op.ID]; ok {
		n := docSize(prev)
		e.bufferBytes -= n
		e.res.ReleaseMemory(n)
		delete(e.buffer, op.ID)
	}
	e.pendingDeletes[op.ID] = struct{}{}
	e.bufMu.Unlock()

	now := time.Now().UnixNano()
	e.versions.Store(op.ID, versionValue{Version: version, SeqNo: seqNo, Deleted: true, Time: now})
	e.advanceSeqNo(seqNo)
	e.lastWrite.Store(now)

	return DeleteResult{Version: version, Found: live, Location: loc}, nil
}

func (e *InternalEngine) advanceSeqNo(seqNo int64) {
	for {
		cur := e.maxSeqNo.Load()
		if seqNo <= cur || e.maxSeqNo.CompareAndSwap(cur, seqNo) {
			return
		}
	}
}

// Get reads a document. Realtime gets see writes that were not refreshed.
func (e *InternalEngine) Get(_ context.Context, get Get) (GetResult, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return GetResult{}, err
	}

	if get.Realtime {
		v, ok := e.versions.Load(get.ID)
		if ok && v.Deleted {
			return GetResult{}, nil
		}
		e.bufMu.Lock()
		doc, buffered := e.buffer[get.ID]
		if !buffered {
			doc, buffered = e.refreshing[get.ID]
		}
		e.bufMu.Unlock()
		if buffered {
			return GetResult{Found: true, Doc: *doc}, nil
		}
	}

	s := &Searcher{snap: e.reader.Load()}
	doc, ok := s.Get(get.ID)
	return GetResult{Found: ok, Doc: doc}, nil
}

// AcquireSearcher returns a view of the last refresh.
func (e *InternalEngine) AcquireSearcher(source string) (*Searcher, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	e.openSearchers.Add(1)
	return &Searcher{
		source:  source,
		snap:    e.reader.Load(),
		release: func() { e.openSearchers.Add(-1) },
	}, nil
}

// OpenSearchers returns the number of searchers not yet closed.
func (e *InternalEngine) OpenSearchers() int64 {
	return e.openSearchers.Load()
}

// RefreshNeeded reports whether writes happened since the last refresh.
func (e *InternalEngine) RefreshNeeded() bool {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return len(e.buffer) > 0 || len(e.pendingDeletes) > 0
}

// Refresh publishes buffered writes to new searchers.
func (e *InternalEngine) Refresh(_ context.Context, source string) error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.refresh(source)
	return nil
}

func (e *InternalEngine) refresh(source string) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.bufMu.Lock()
	docs, deletes, reserved := e.buffer, e.pendingDeletes, e.bufferBytes
	if len(docs) == 0 && len(deletes) == 0 {
		e.bufMu.Unlock()
		e.pruneTombstones()
		return
	}
	e.buffer = make(map[string]*store.Document)
	e.pendingDeletes = make(map[string]struct{})
	e.bufferBytes = 0
	e.refreshing = docs
	e.bufMu.Unlock()

	old := e.reader.Load()

	superseded := make(map[string][]uint32)
	markOld := func(id string) {
		if ref, ok := e.where[id]; ok {
			superseded[ref.segment] = append(superseded[ref.segment], ref.ord)
			delete(e.where, id)
		}
	}
	for id := range docs {
		markOld(id)
	}
	for id := range deletes {
		markOld(id)
	}

	segments := make([]*segment, 0, len(old.segments)+1)
	for _, seg := range old.segments {
		if ords, ok := superseded[seg.name]; ok {
			seg = seg.withDeleted(ords)
		}
		// Fully deleted segments that were never written can be dropped.
		if seg.liveDocs() == 0 && !seg.file.written() {
			e.releaseSegment(seg)
			continue
		}
		segments = append(segments, seg)
	}

	if len(docs) > 0 {
		batch := make([]store.Document, 0, len(docs))
		for _, d := range docs {
			batch = append(batch, *d)
		}
		slices.SortFunc(batch, func(a, b store.Document) int {
			switch {
			case a.SeqNo < b.SeqNo:
				return -1
			case a.SeqNo > b.SeqNo:
				return 1
			default:
				return 0
			}
		})
		name := strconv.FormatUint(e.segSeq, 36)
		e.segSeq++
		seg := newSegment(name, batch, &segmentFile{reserved: reserved})
		for ord := range batch {
			e.where[batch[ord].ID] = docRef{segment: name, ord: uint32(ord)}
		}
		segments = append(segments, seg)
	}

	e.reader.Store(&readerSnapshot{segments: segments, version: old.version + 1})

	e.bufMu.Lock()
	e.refreshing = nil
	e.bufMu.Unlock()

	e.pruneTombstones()
	e.logger.Debug("refreshed", "source", source, "docs", len(docs), "deletes", len(deletes), "segments", len(segments))
}

func (e *InternalEngine) releaseSegment(seg *segment) {
	seg.file.mu.Lock()
	n := seg.file.reserved
	seg.file.reserved = 0
	seg.file.mu.Unlock()
	e.res.ReleaseMemory(n)
}

func (e *InternalEngine) pruneTombstones() {
	if !e.gcEnabled.Load() {
		return
	}
	cutoff := time.Now().Add(-e.cfg.GCDeletes).UnixNano()
	e.versions.Range(func(id string, v versionValue) bool {
		if v.Deleted && v.Time < cutoff {
			e.versions.Compute(id, func(cur versionValue, loaded bool) (versionValue, bool) {
				return cur, loaded && cur.Deleted && cur.Time < cutoff
			})
		}
		return true
	})
}

// Tombstones returns the number of deletes still remembered.
func (e *InternalEngine) Tombstones() int {
	n := 0
	e.versions.Range(func(_ string, v versionValue) bool {
		if v.Deleted {
			n++
		}
		return true
	})
	return n
}

func (e *InternalEngine) flushNeeded() bool {
	if e.tlog.TotalOperations() > 0 || e.RefreshNeeded() {
		return true
	}
	for _, seg := range e.reader.Load().segments {
		if !seg.file.written() {
			return true
		}
	}
	return false
}

// Flush refreshes, writes pending segments and publishes a commit point, then
// trims the translog. Without force it is a no-op when nothing changed.
func (e *InternalEngine) Flush(ctx context.Context, force, waitIfOngoing bool) (store.CommitID, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return store.CommitID{}, err
	}
	return e.flush(ctx, force, waitIfOngoing)
}

func (e *InternalEngine) flush(ctx context.Context, force, waitIfOngoing bool) (store.CommitID, error) {
	if waitIfOngoing {
		e.flushMu.Lock()
	} else if !e.flushMu.TryLock() {
		return store.CommitID{}, ErrFlushInProgress
	}
	defer e.flushMu.Unlock()

	if !force && !e.flushNeeded() {
		return *e.lastCommit.Load(), nil
	}

	if err := e.res.AcquireFlush(ctx); err != nil {
		return store.CommitID{}, err
	}
	defer e.res.ReleaseFlush()

	start := time.Now()

	e.writeLock.Lock()
	e.refresh("flush")
	gen, err := e.tlog.Rollover()
	snap := e.reader.Load()
	maxSeqNo := e.maxSeqNo.Load()
	e.writeLock.Unlock()
	if err != nil {
		e.failAsync("failed to roll translog", err)
		return store.CommitID{}, fmt.Errorf("engine: roll translog: %w", err)
	}

	infos, err := e.writeSegments(ctx, snap)
	if err != nil {
		return store.CommitID{}, err
	}

	id, err := e.store.Commit(ctx, &store.CommitPoint{
		TranslogGeneration: gen,
		MaxSeqNo:           maxSeqNo,
		Segments:           infos,
		UserData:           map[string]string{"shard_id": e.shardID},
	})
	if err != nil {
		return store.CommitID{}, fmt.Errorf("engine: commit: %w", err)
	}
	e.lastCommit.Store(&id)

	if err := e.tlog.TrimBelow(gen); err != nil {
		e.logger.Warn("failed to trim translog", "generation", gen, "error", err)
	}
	e.logger.Debug("flushed", "commit", id.String(), "segments", len(infos), "took", time.Since(start))
	return id, nil
}

// SyncFlush writes syncID into a new commit with the content of the last one.
// It only succeeds if the last commit is expected and nothing changed since.
func (e *InternalEngine) SyncFlush(ctx context.Context, syncID string, expected store.CommitID) (SyncedFlushResult, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if e.flushNeeded() {
		return SyncedFlushPendingOperations, nil
	}
	if *e.lastCommit.Load() != expected {
		return SyncedFlushCommitMismatch, nil
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.writeLock.Lock()
	defer e.writeLock.Unlock()

	// Re-check under the locks; a write or flush may have slipped in.
	if e.flushNeeded() {
		return SyncedFlushPendingOperations, nil
	}
	cp, err := e.store.ReadLastCommit(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: read last commit: %w", err)
	}
	if cp.ID() != expected {
		return SyncedFlushCommitMismatch, nil
	}

	userData := maps.Clone(cp.UserData)
	if userData == nil {
		userData = make(map[string]string, 1)
	}
	userData[store.SyncIDKey] = syncID
	id, err := e.store.Commit(ctx, &store.CommitPoint{
		TranslogGeneration: cp.TranslogGeneration,
		MaxSeqNo:           cp.MaxSeqNo,
		Segments:           cp.Segments,
		UserData:           userData,
	})
	if err != nil {
		return 0, fmt.Errorf("engine: sync commit: %w", err)
	}
	e.lastCommit.Store(&id)
	e.logger.Debug("synced flush", "sync_id", syncID, "commit", id.String())
	return SyncedFlushSuccess, nil
}

// SnapshotIndex pins the last commit so its blobs survive later flushes.
// The caller must release the snapshot.
func (e *InternalEngine) SnapshotIndex(ctx context.Context, flushFirst bool) (*store.CommitSnapshot, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if flushFirst {
		if _, err := e.flush(ctx, false, true); err != nil {
			return nil, err
		}
	}
	return e.store.SnapshotLastCommit(ctx)
}

// writeSegments writes every segment of snap that is not yet in the store and
// returns the commit descriptions in snapshot order.
func (e *InternalEngine) writeSegments(ctx context.Context, snap *readerSnapshot) ([]store.SegmentInfo, error) {
	infos := make([]store.SegmentInfo, 0, len(snap.segments))
	for _, seg := range snap.segments {
		info, err := e.writeSegment(ctx, seg)
		if err != nil {
			return nil, err
		}
		info, err = info.WithDeleted(seg.deleted.Clone())
		if err != nil {
			return nil, fmt.Errorf("engine: encode deletes of %s: %w", seg.name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *InternalEngine) writeSegment(ctx context.Context, seg *segment) (store.SegmentInfo, error) {
	seg.file.mu.Lock()
	defer seg.file.mu.Unlock()

	if seg.file.info != nil {
		return *seg.file.info, nil
	}
	info, err := e.store.WriteSegment(ctx, &store.Segment{Name: seg.name, Docs: seg.docs})
	if err != nil {
		return store.SegmentInfo{}, err
	}
	seg.file.info = &info
	e.res.ReleaseMemory(seg.file.reserved)
	seg.file.reserved = 0
	return info, nil
}

// WriteIndexingBuffer refreshes and writes the new segments to the store
// without publishing a commit, which releases their indexing memory.
func (e *InternalEngine) WriteIndexingBuffer(ctx context.Context) error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.refresh("write indexing buffer")
	_, err := e.writeSegments(ctx, e.reader.Load())
	return err
}

// IndexingBufferBytes returns the memory held by unwritten documents.
func (e *InternalEngine) IndexingBufferBytes() int64 {
	e.bufMu.Lock()
	n := e.bufferBytes
	e.bufMu.Unlock()
	for _, seg := range e.reader.Load().segments {
		seg.file.mu.Lock()
		n += seg.file.reserved
		seg.file.mu.Unlock()
	}
	return n
}

// FlushAndClose flushes and closes the engine.
func (e *InternalEngine) FlushAndClose(ctx context.Context) error {
	e.lifecycle.RLock()
	err := e.ensureOpen()
	if err == nil {
		_, err = e.flush(ctx, false, true)
	}
	e.lifecycle.RUnlock()
	if err != nil && !errors.Is(err, ErrEngineClosed) {
		e.logger.Warn("flush before close failed", "error", err)
	}
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the translog and releases indexing memory. In-flight
// operations finish first. Closing twice is a no-op.
func (e *InternalEngine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.closeLocked()
}

func (e *InternalEngine) closeLocked() error {
	if e.closed {
		return nil
	}
	e.closed = true

	e.bufMu.Lock()
	e.res.ReleaseMemory(e.bufferBytes)
	e.bufferBytes = 0
	e.bufMu.Unlock()
	for _, seg := range e.reader.Load().segments {
		e.releaseSegment(seg)
	}

	err := e.tlog.Close()
	e.logger.Debug("engine closed")
	return err
}

// Translog returns the engine's translog.
func (e *InternalEngine) Translog() *translog.Translog { return e.tlog }

// TranslogSizeInBytes returns the size of all live translog generations.
func (e *InternalEngine) TranslogSizeInBytes() int64 { return e.tlog.SizeInBytes() }

// EnsureTranslogSynced fsyncs the translog up to loc. It reports whether a
// sync was needed.
func (e *InternalEngine) EnsureTranslogSynced(loc translog.Location) (bool, error) {
	synced, err := e.tlog.EnsureSynced(loc)
	if errors.Is(err, translog.ErrClosed) {
		return false, ErrEngineClosed
	}
	return synced, err
}

// EnableGCDeletes toggles tombstone collection. Recovery disables it so a
// replayed index op cannot resurrect a deleted document.
func (e *InternalEngine) EnableGCDeletes(enabled bool) {
	e.gcEnabled.Store(enabled)
}

// GCDeletesEnabled reports the tombstone collection state.
func (e *InternalEngine) GCDeletesEnabled() bool { return e.gcEnabled.Load() }

// SetGCDeletes changes how long tombstones are kept.
func (e *InternalEngine) SetGCDeletes(d time.Duration) {
	if d <= 0 {
		d = defaultGCDeletes
	}
	e.refreshMu.Lock()
	e.cfg.GCDeletes = d
	e.refreshMu.Unlock()
}

// ActivateThrottling makes writes run one at a time.
func (e *InternalEngine) ActivateThrottling() error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if e.throttled.Add(1) == 1 {
		e.logger.Info("now throttling indexing")
	}
	return nil
}

// DeactivateThrottling undoes one ActivateThrottling.
func (e *InternalEngine) DeactivateThrottling() error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	for {
		n := e.throttled.Load()
		if n <= 0 {
			return nil
		}
		if e.throttled.CompareAndSwap(n, n-1) {
			if n == 1 {
				e.logger.Info("stop throttling indexing")
			}
			return nil
		}
	}
}

// IsThrottled reports whether writes are throttled.
func (e *InternalEngine) IsThrottled() bool { return e.throttled.Load() > 0 }

// LastWriteTime returns the time of the last applied write.
func (e *InternalEngine) LastWriteTime() time.Time {
	return time.Unix(0, e.lastWrite.Load())
}

// FailEngine marks the engine failed, closes it and tells the failure
// listener. Only the first call has an effect.
func (e *InternalEngine) FailEngine(reason string, cause error) {
	failure := NewEngineFailedError(e.shardID, reason, cause)
	if !e.failure.CompareAndSwap(nil, failure) {
		e.logger.Debug("engine already failed", "reason", reason, "error", cause)
		return
	}
	e.logger.Error("failing engine", "reason", reason, "error", cause)

	e.lifecycle.Lock()
	if err := e.closeLocked(); err != nil {
		e.logger.Warn("failed to close failed engine", "error", err)
	}
	e.lifecycle.Unlock()

	if l := e.cfg.FailureListener; l != nil {
		l.OnFailedEngine(e.shardID, reason, cause)
	}
}

// failAsync fails the engine from a goroutine, for callers that hold the
// lifecycle lock.
func (e *InternalEngine) failAsync(reason string, cause error) {
	threadpool.GoSafe(e.logger, func() { e.FailEngine(reason, cause) })
}

var _ Engine = (*InternalEngine)(nil)
