package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hupe1980/indexshard/blobstore"
	"github.com/hupe1980/indexshard/resource"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCommit is returned when the store holds no commit point.
	ErrNoCommit = errors.New("store: no commit point")
	// ErrCorrupted matches any integrity failure found while reading.
	ErrCorrupted = errors.New("store: corrupted")
)

// Options configures a Store.
type Options struct {
	// Resources throttles segment writes. Nil disables throttling.
	Resources *resource.Controller
	// Logger receives store events. Nil discards them.
	Logger *slog.Logger
	// VerifyConcurrency bounds parallel segment verification.
	VerifyConcurrency int
}

// Store reads and writes commit points and segments on a blobstore.
type Store struct {
	blobs  blobstore.BlobStore
	opts   Options
	logger *slog.Logger

	commitMu sync.Mutex
	pinned   map[uint64]*pin
}

// New creates a Store over blobs.
func New(blobs blobstore.BlobStore, optFns ...func(*Options)) *Store {
	opts := Options{VerifyConcurrency: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.VerifyConcurrency <= 0 {
		opts.VerifyConcurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{blobs: blobs, opts: opts, logger: logger, pinned: make(map[uint64]*pin)}
}

// Blobs returns the underlying blobstore.
func (s *Store) Blobs() blobstore.BlobStore { return s.blobs }

// IndexExists reports whether a commit point has been published.
func (s *Store) IndexExists(ctx context.Context) (bool, error) {
	_, err := s.ReadLastCommit(ctx)
	if errors.Is(err, ErrNoCommit) {
		return false, nil
	}
	return err == nil, err
}

// ReadLastCommit loads the commit point named by CURRENT.
func (s *Store) ReadLastCommit(ctx context.Context) (*CommitPoint, error) {
	ptr, err := blobstore.ReadAll(ctx, s.blobs, currentBlob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNoCommit
		}
		return nil, fmt.Errorf("store: read %s: %w", currentBlob, err)
	}
	name := strings.TrimSpace(string(ptr))
	if _, ok := parseCommitName(name); !ok {
		return nil, fmt.Errorf("%w: %s points to %q", ErrCorrupted, currentBlob, name)
	}
	data, err := blobstore.ReadAll(ctx, s.blobs, name)
	if err != nil {
		return nil, fmt.Errorf("store: read commit %s: %w", name, err)
	}
	return decodeCommit(name, data)
}

// WriteSegment writes seg as a new blob and returns its description. The
// segment is not visible to recovery until a commit references it.
func (s *Store) WriteSegment(ctx context.Context, seg *Segment) (SegmentInfo, error) {
	blobName := segmentBlobName(seg.Name)
	wb, err := s.blobs.Create(ctx, blobName)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("store: create segment %s: %w", seg.Name, err)
	}

	fail := func(err error) (SegmentInfo, error) {
		_ = wb.Close()
		_ = s.blobs.Delete(ctx, blobName)
		return SegmentInfo{}, fmt.Errorf("store: write segment %s: %w", seg.Name, err)
	}

	tw := resource.NewThrottledWriter(ctx, wb, s.opts.Resources)
	cw := newChecksumWriter(tw)
	if err := encodeSegment(cw, seg); err != nil {
		return fail(err)
	}
	sum := cw.Sum()
	var footer [segFooterSize]byte
	binary.LittleEndian.PutUint32(footer[:], sum)
	if _, err := tw.Write(footer[:]); err != nil {
		return fail(err)
	}
	if err := wb.Sync(); err != nil {
		return fail(err)
	}
	if err := wb.Close(); err != nil {
		_ = s.blobs.Delete(ctx, blobName)
		return SegmentInfo{}, fmt.Errorf("store: close segment %s: %w", seg.Name, err)
	}

	return SegmentInfo{
		Name:     seg.Name,
		Checksum: sum,
		Size:     cw.n + segFooterSize,
		DocCount: len(seg.Docs),
	}, nil
}

func (s *Store) readVerified(ctx context.Context, si SegmentInfo) ([]byte, error) {
	data, err := blobstore.ReadAll(ctx, s.blobs, segmentBlobName(si.Name))
	if err != nil {
		return nil, fmt.Errorf("store: read segment %s: %w", si.Name, err)
	}
	if int64(len(data)) != si.Size {
		return nil, fmt.Errorf("%w: segment %s has %d bytes, commit records %d", ErrCorrupted, si.Name, len(data), si.Size)
	}
	sum, err := verifyFooter(si.Name, data)
	if err != nil {
		return nil, err
	}
	if sum != si.Checksum {
		return nil, &ChecksumMismatchError{Name: si.Name, Expected: si.Checksum, Actual: sum}
	}
	return data, nil
}

// VerifySegment checks the size and checksum of one segment blob.
func (s *Store) VerifySegment(ctx context.Context, si SegmentInfo) error {
	_, err := s.readVerified(ctx, si)
	return err
}

// ReadSegment loads and verifies a segment.
func (s *Store) ReadSegment(ctx context.Context, si SegmentInfo) (*Segment, error) {
	data, err := s.readVerified(ctx, si)
	if err != nil {
		return nil, err
	}
	seg, err := decodeSegment(si.Name, data)
	if err != nil {
		return nil, err
	}
	if len(seg.Docs) != si.DocCount {
		return nil, fmt.Errorf("%w: segment %s has %d docs, commit records %d", ErrCorrupted, si.Name, len(seg.Docs), si.DocCount)
	}
	return seg, nil
}

// VerifyChecksums verifies every segment of the last commit in parallel.
// A store without a commit verifies trivially.
func (s *Store) VerifyChecksums(ctx context.Context) error {
	cp, err := s.ReadLastCommit(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCommit) {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.VerifyConcurrency)
	for _, si := range cp.Segments {
		g.Go(func() error {
			return s.VerifySegment(gctx, si)
		})
	}
	return g.Wait()
}

// Commit publishes cp as the next commit generation, moves CURRENT to it and
// deletes blobs no longer referenced.
func (s *Store) Commit(ctx context.Context, cp *CommitPoint) (CommitID, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	gen, err := s.lastGeneration(ctx)
	if err != nil {
		return CommitID{}, err
	}
	cp.Version = commitFormatVersion
	cp.Generation = gen + 1

	data, err := encodeCommit(cp)
	if err != nil {
		return CommitID{}, fmt.Errorf("store: encode commit: %w", err)
	}
	name := commitName(cp.Generation)
	if err := s.blobs.Put(ctx, name, data); err != nil {
		return CommitID{}, fmt.Errorf("store: write commit %s: %w", name, err)
	}
	if err := s.blobs.Put(ctx, currentBlob, []byte(name)); err != nil {
		return CommitID{}, fmt.Errorf("store: publish commit %s: %w", name, err)
	}

	cp.checksum = checksum(data)

	if err := s.deleteUnreferenced(ctx, cp); err != nil {
		s.logger.Warn("failed to delete unreferenced blobs", "generation", cp.Generation, "error", err)
	}
	return cp.ID(), nil
}

// DeleteUnreferenced removes segment and commit blobs that the last commit
// does not reference, e.g. leftovers of an interrupted flush.
func (s *Store) DeleteUnreferenced(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	cp, err := s.ReadLastCommit(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCommit) {
			cp = &CommitPoint{}
		} else {
			return err
		}
	}
	return s.deleteUnreferenced(ctx, cp)
}

// deleteUnreferenced must be called with commitMu held. Blobs of cp and of
// every pinned commit are kept.
func (s *Store) deleteUnreferenced(ctx context.Context, cp *CommitPoint) error {
	keep := make(map[string]struct{}, len(cp.Segments)+1)
	keepCommit := func(cp *CommitPoint) {
		for _, si := range cp.Segments {
			keep[segmentBlobName(si.Name)] = struct{}{}
		}
		if cp.Generation > 0 {
			keep[commitName(cp.Generation)] = struct{}{}
		}
	}
	keepCommit(cp)
	for _, p := range s.pinned {
		keepCommit(p.commit)
	}

	names, err := s.blobs.List(ctx, "")
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		_, isCommit := parseCommitName(name)
		if !isCommit && !strings.HasPrefix(name, segPrefix) {
			continue
		}
		if err := s.blobs.Delete(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("deleted unreferenced blob", "name", name)
	}
	return errors.Join(errs...)
}

func (s *Store) lastGeneration(ctx context.Context) (uint64, error) {
	names, err := s.blobs.List(ctx, commitPrefix)
	if err != nil {
		return 0, fmt.Errorf("store: list commits: %w", err)
	}
	var last uint64
	for _, name := range names {
		if gen, ok := parseCommitName(name); ok && gen > last {
			last = gen
		}
	}
	return last, nil
}
