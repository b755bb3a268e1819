// Package translog provides the shard write-ahead log.
//
// Operations are appended to the current generation file. A flush of the
// engine rolls the translog over to a new generation and, once the commit
// point is durable, trims the generations it no longer needs. Opening a
// translog never appends to an existing file: it starts a fresh generation and
// keeps the older ones for replay.
package translog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed translog.
	ErrClosed = errors.New("translog: closed")

	// ErrCorrupted is returned when a generation file fails validation.
	ErrCorrupted = errors.New("translog: corrupted")
)

const (
	filePrefix = "translog-"
	fileSuffix = ".tlog"
)

// FileName returns the file name of generation gen.
func FileName(gen uint64) string {
	return filePrefix + strconv.FormatUint(gen, 10) + fileSuffix
}

type generationInfo struct {
	id   uint64
	size int64
	ops  int
}

// Translog is an append-only, generation based operation log.
type Translog struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	// Current generation writer: buf -> stream (codec) -> counter -> file.
	file       *os.File
	counter    *countingWriter
	stream     streamWriter
	buf        *bufio.Writer
	generation uint64
	currentOps int

	older   []generationInfo // ascending by id
	scratch []byte

	seqNo          uint64
	persistedSeqNo uint64
	pendingOps     int
	syncCond       *sync.Cond

	groupCommitTicker *time.Ticker
	groupCommitStopCh chan struct{}
	groupCommitWg     sync.WaitGroup

	closed bool
}

// New opens the translog in Options.Path and starts a new generation.
func New(optFns ...func(o *Options)) (*Translog, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create translog directory: %w", err)
	}

	t := &Translog{
		opts:   opts,
		logger: slog.New(slog.DiscardHandler),
	}
	t.syncCond = sync.NewCond(&t.mu)

	gens, err := listGenerations(opts.Path)
	if err != nil {
		return nil, err
	}
	for _, gen := range gens {
		info, maxSeq, err := scanGeneration(opts.Path, gen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan translog generation %d: %w", gen, err)
		}
		t.older = append(t.older, info)
		t.seqNo = max(t.seqNo, maxSeq)
	}
	t.persistedSeqNo = t.seqNo

	next := uint64(1)
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	if err := t.openGenerationLocked(next); err != nil {
		return nil, err
	}

	if opts.Durability == DurabilityGroupCommit && opts.GroupCommitInterval > 0 {
		t.groupCommitStopCh = make(chan struct{})
		t.groupCommitTicker = time.NewTicker(opts.GroupCommitInterval)
		t.groupCommitWg.Add(1)
		go t.groupCommitWorker()
	}

	return t, nil
}

// SetLogger sets the logger used for recovery warnings.
func (t *Translog) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// Path returns the translog directory.
func (t *Translog) Path() string { return t.opts.Path }

func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list translog directory: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func scanGeneration(dir string, gen uint64) (generationInfo, uint64, error) {
	path := filepath.Join(dir, FileName(gen))
	st, err := os.Stat(path)
	if err != nil {
		return generationInfo{}, 0, err
	}
	var maxSeq uint64
	_, n, err := readGeneration(path, -1, func(op Operation) error {
		maxSeq = max(maxSeq, op.SeqNo)
		return nil
	})
	if err != nil {
		return generationInfo{}, 0, err
	}
	return generationInfo{id: gen, size: st.Size(), ops: n}, maxSeq, nil
}

func (t *Translog) openGenerationLocked(gen uint64) error {
	path := filepath.Join(t.opts.Path, FileName(gen))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) //nolint:gosec // G304: path is configured
	if err != nil {
		return fmt.Errorf("failed to create translog generation %d: %w", gen, err)
	}

	counter := &countingWriter{w: file}
	if err := writeHeader(counter, fileHeader{
		Compression: t.opts.Compression,
		Level:       t.opts.CompressionLevel,
		Generation:  gen,
	}); err != nil {
		_ = file.Close()
		return err
	}

	stream, err := newStreamWriter(t.opts.Compression, counter, t.opts.CompressionLevel)
	if err != nil {
		_ = file.Close()
		return err
	}

	t.file = file
	t.counter = counter
	t.stream = stream
	t.buf = bufio.NewWriter(stream)
	t.generation = gen
	t.currentOps = 0
	return nil
}

// closeGenerationLocked finishes the current generation file. The file is
// fsynced so a rolled generation is always durable.
func (t *Translog) closeGenerationLocked() error {
	if err := t.flushLocked(); err != nil {
		return err
	}
	if err := t.stream.Close(); err != nil {
		return fmt.Errorf("failed to close translog codec: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync translog generation %d: %w", t.generation, err)
	}
	if err := t.file.Close(); err != nil {
		return err
	}
	t.persistedSeqNo = t.seqNo
	t.pendingOps = 0
	t.syncCond.Broadcast()
	return nil
}

func (t *Translog) flushLocked() error {
	if err := t.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush translog buffer: %w", err)
	}
	if err := t.stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush translog codec: %w", err)
	}
	return nil
}

// Add appends op, assigns its sequence number and applies the durability mode.
func (t *Translog) Add(op Operation) (Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Location{}, ErrClosed
	}

	t.seqNo++
	op.SeqNo = t.seqNo

	var err error
	t.scratch, err = appendRecord(t.scratch[:0], &op)
	if err != nil {
		t.seqNo--
		return Location{}, err
	}
	if _, err := t.buf.Write(t.scratch); err != nil {
		return Location{}, fmt.Errorf("failed to write translog record: %w", err)
	}
	if err := t.flushLocked(); err != nil {
		return Location{}, err
	}
	t.currentOps++

	loc := Location{Generation: t.generation, SeqNo: op.SeqNo}
	return loc, t.syncIfNeededLocked()
}

func (t *Translog) syncIfNeededLocked() error {
	switch t.opts.Durability {
	case DurabilitySync:
		return t.syncLocked()

	case DurabilityGroupCommit:
		t.pendingOps++
		target := t.seqNo

		if t.pendingOps >= t.opts.GroupCommitMaxOps || t.groupCommitTicker == nil {
			return t.syncLocked()
		}
		// Wait releases t.mu so the worker can sync the batch.
		for t.persistedSeqNo < target && !t.closed {
			t.syncCond.Wait()
		}
		return nil

	default:
		return nil
	}
}

func (t *Translog) syncLocked() error {
	if err := t.flushLocked(); err != nil {
		return err
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync translog: %w", err)
	}
	t.pendingOps = 0
	t.persistedSeqNo = t.seqNo
	t.syncCond.Broadcast()
	return nil
}

func (t *Translog) groupCommitWorker() {
	defer t.groupCommitWg.Done()

	for {
		select {
		case <-t.groupCommitStopCh:
			return
		case <-t.groupCommitTicker.C:
			t.mu.Lock()
			if !t.closed && t.persistedSeqNo < t.seqNo {
				if err := t.syncLocked(); err != nil {
					t.logger.Error("translog group commit failed", "error", err)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Sync makes every added operation durable.
func (t *Translog) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	return t.syncLocked()
}

// SyncNeeded reports whether operations were added since the last sync.
func (t *Translog) SyncNeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistedSeqNo < t.seqNo
}

// EnsureSynced syncs the translog if loc is not durable yet. It reports
// whether a sync was performed.
func (t *Translog) EnsureSynced(loc Location) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if loc.SeqNo <= t.persistedSeqNo {
		return false, nil
	}
	if t.closed {
		return false, ErrClosed
	}
	return true, t.syncLocked()
}

// SizeInBytes returns the on-disk size of all live generations.
func (t *Translog) SizeInBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := int64(0)
	for _, g := range t.older {
		size += g.size
	}
	if t.counter != nil {
		size += t.counter.n
	}
	return size
}

// TotalOperations returns the number of operations in all live generations.
func (t *Translog) TotalOperations() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.currentOps
	for _, g := range t.older {
		n += g.ops
	}
	return n
}

// Generation returns the current generation id.
func (t *Translog) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// LastSeqNo returns the highest assigned sequence number.
func (t *Translog) LastSeqNo() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seqNo
}

// AdvanceSeqNo makes sure the next assigned sequence number is above seqNo.
// It is used when the operations up to seqNo were trimmed after a commit.
func (t *Translog) AdvanceSeqNo(seqNo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seqNo > t.seqNo {
		t.seqNo = seqNo
		t.persistedSeqNo = max(t.persistedSeqNo, seqNo)
	}
}

// Rollover seals the current generation and starts a new one. It returns the
// id of the new generation.
func (t *Translog) Rollover() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	sealed := generationInfo{id: t.generation, size: t.counter.n, ops: t.currentOps}
	if err := t.closeGenerationLocked(); err != nil {
		return 0, err
	}
	t.older = append(t.older, sealed)

	if err := t.openGenerationLocked(sealed.id + 1); err != nil {
		t.closed = true
		return 0, err
	}
	return t.generation, nil
}

// TrimBelow removes sealed generations older than minGen.
func (t *Translog) TrimBelow(minGen uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.older[:0]
	var errs []error
	for _, g := range t.older {
		if g.id >= minGen {
			kept = append(kept, g)
			continue
		}
		if err := os.Remove(filepath.Join(t.opts.Path, FileName(g.id))); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			kept = append(kept, g)
		}
	}
	t.older = kept
	return errors.Join(errs...)
}

// Trim removes every sealed generation. Call it once a commit covers all
// operations written before the last Rollover.
func (t *Translog) Trim() error {
	return t.TrimBelow(t.Generation())
}

// Replay calls fn for every operation in append order across all live
// generations and returns the number of operations visited.
//
// A torn record at the end of a generation ends that generation. A record
// that fails its checksum aborts the replay with ErrCorrupted.
func (t *Translog) Replay(fn func(op Operation) error) (int, error) {
	type segment struct {
		gen   uint64
		limit int64
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if err := t.flushLocked(); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	segments := make([]segment, 0, len(t.older)+1)
	for _, g := range t.older {
		segments = append(segments, segment{gen: g.id, limit: -1})
	}
	segments = append(segments, segment{gen: t.generation, limit: t.counter.n})
	logger := t.logger
	t.mu.Unlock()

	total := 0
	for _, s := range segments {
		_, n, err := readGeneration(filepath.Join(t.opts.Path, FileName(s.gen)), s.limit, fn)
		total += n
		if err != nil {
			return total, fmt.Errorf("translog generation %d: %w", s.gen, err)
		}
	}
	logger.Debug("translog replayed", "operations", total, "generations", len(segments))
	return total, nil
}

// Snapshot returns a copy of every live operation in append order.
func (t *Translog) Snapshot() ([]Operation, error) {
	var ops []Operation
	_, err := t.Replay(func(op Operation) error {
		ops = append(ops, op)
		return nil
	})
	return ops, err
}

func readGeneration(path string, limit int64, fn func(op Operation) error) (fileHeader, int, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is configured
	if err != nil {
		return fileHeader{}, 0, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}

	hdr, err := readHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A generation that crashed before its header was written is empty.
			return fileHeader{}, 0, nil
		}
		return fileHeader{}, 0, err
	}

	dec, release, err := newStreamReader(hdr.Compression, r)
	if err != nil {
		return hdr, 0, err
	}
	defer release()

	br := bufio.NewReader(dec)
	var scratch []byte
	n := 0
	for {
		var op Operation
		op, scratch, err = readRecord(br, scratch)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return hdr, n, nil
			}
			return hdr, n, err
		}
		if err := fn(op); err != nil {
			return hdr, n, fmt.Errorf("failed to replay operation %d: %w", op.SeqNo, err)
		}
		n++
	}
}

// Close syncs and closes the current generation.
func (t *Translog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.syncCond.Broadcast()

	if t.groupCommitTicker != nil {
		close(t.groupCommitStopCh)
		t.mu.Unlock()
		t.groupCommitWg.Wait()
		t.mu.Lock()
		t.groupCommitTicker.Stop()
		t.groupCommitTicker = nil
	}

	return t.closeGenerationLocked()
}
