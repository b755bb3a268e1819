package store

import (
	"context"
	"sync"
)

type pin struct {
	commit *CommitPoint
	refs   int
}

// CommitSnapshot pins a commit point. Its blobs survive later commits until
// the snapshot is released.
type CommitSnapshot struct {
	Commit *CommitPoint

	store *Store
	once  sync.Once
}

// ID returns the id of the pinned commit.
func (snap *CommitSnapshot) ID() CommitID { return snap.Commit.ID() }

// ReadSegment loads a segment of the pinned commit.
func (snap *CommitSnapshot) ReadSegment(ctx context.Context, si SegmentInfo) (*Segment, error) {
	return snap.store.ReadSegment(ctx, si)
}

// Release unpins the commit. Blobs only the snapshot referenced are deleted
// by the next commit. Release is idempotent.
func (snap *CommitSnapshot) Release() {
	snap.once.Do(func() { snap.store.unpin(snap.Commit.Generation) })
}

// SnapshotLastCommit pins the last commit point.
func (s *Store) SnapshotLastCommit(ctx context.Context) (*CommitSnapshot, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	cp, err := s.ReadLastCommit(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := s.pinned[cp.Generation]
	if !ok {
		p = &pin{commit: cp}
		s.pinned[cp.Generation] = p
	}
	p.refs++
	return &CommitSnapshot{Commit: p.commit, store: s}, nil
}

// Snapshots returns the number of pinned commit generations.
func (s *Store) Snapshots() int {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return len(s.pinned)
}

func (s *Store) unpin(gen uint64) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if p, ok := s.pinned[gen]; ok {
		if p.refs--; p.refs <= 0 {
			delete(s.pinned, gen)
		}
	}
}
