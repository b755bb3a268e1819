package engine

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/indexshard/store"
)

// segment is an immutable, refreshed batch of documents. Deletes produce a
// new segment value sharing docs and file with the old one.
type segment struct {
	name    string
	docs    []store.Document
	ids     map[string]uint32
	deleted *roaring.Bitmap
	file    *segmentFile
}

// segmentFile tracks whether a segment has been written to the store.
type segmentFile struct {
	mu       sync.Mutex
	info     *store.SegmentInfo
	reserved int64
}

func (f *segmentFile) written() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info != nil
}

func newSegment(name string, docs []store.Document, file *segmentFile) *segment {
	ids := make(map[string]uint32, len(docs))
	for i := range docs {
		ids[docs[i].ID] = uint32(i)
	}
	return &segment{name: name, docs: docs, ids: ids, deleted: roaring.New(), file: file}
}

func (s *segment) withDeleted(ords []uint32) *segment {
	bm := s.deleted.Clone()
	bm.AddMany(ords)
	return &segment{name: s.name, docs: s.docs, ids: s.ids, deleted: bm, file: s.file}
}

func (s *segment) liveDocs() int {
	return len(s.docs) - int(s.deleted.GetCardinality())
}

func (s *segment) get(id string) (store.Document, bool) {
	ord, ok := s.ids[id]
	if !ok || s.deleted.Contains(ord) {
		return store.Document{}, false
	}
	return s.docs[ord], true
}

// readerSnapshot is the point-in-time view published by a refresh.
type readerSnapshot struct {
	segments []*segment
	version  uint64
}

// Searcher is a point-in-time view of refreshed documents. It must be closed.
type Searcher struct {
	source  string
	snap    *readerSnapshot
	release func()
	closed  atomic.Bool
}

// Source names the caller that acquired the searcher.
func (s *Searcher) Source() string { return s.source }

// Version increases with every refresh that changed the view.
func (s *Searcher) Version() uint64 { return s.snap.version }

// NumDocs returns the number of live documents.
func (s *Searcher) NumDocs() int {
	n := 0
	for _, seg := range s.snap.segments {
		n += seg.liveDocs()
	}
	return n
}

// Segments returns the number of segments in the view.
func (s *Searcher) Segments() int { return len(s.snap.segments) }

// Get returns the live document with id.
func (s *Searcher) Get(id string) (store.Document, bool) {
	for i := len(s.snap.segments) - 1; i >= 0; i-- {
		if doc, ok := s.snap.segments[i].get(id); ok {
			return doc, true
		}
	}
	return store.Document{}, false
}

// Scan calls fn for every live document until fn returns false.
func (s *Searcher) Scan(fn func(doc store.Document) bool) {
	for _, seg := range s.snap.segments {
		for ord := range seg.docs {
			if seg.deleted.Contains(uint32(ord)) {
				continue
			}
			if !fn(seg.docs[ord]) {
				return
			}
		}
	}
}

// Close releases the searcher. It is idempotent.
func (s *Searcher) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.release != nil {
		s.release()
	}
	return nil
}
