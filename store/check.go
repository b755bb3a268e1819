package store

import (
	"context"
	"errors"
	"fmt"
)

// SegmentStatus is the result of checking one segment.
type SegmentStatus struct {
	Name     string
	DocCount int
	Deleted  int
	Err      error
}

// CheckReport summarizes a structural check of the last commit.
type CheckReport struct {
	Generation uint64
	Segments   []SegmentStatus
	// LostDocs counts live documents dropped by a repair.
	LostDocs int
	// Fixed is set when a repair published a new commit.
	Fixed bool
}

// Clean reports whether every segment passed.
func (r *CheckReport) Clean() bool {
	for _, st := range r.Segments {
		if st.Err != nil {
			return false
		}
	}
	return true
}

// Err joins the errors of all failed segments.
func (r *CheckReport) Err() error {
	var errs []error
	for _, st := range r.Segments {
		if st.Err != nil {
			errs = append(errs, fmt.Errorf("segment %s: %w", st.Name, st.Err))
		}
	}
	return errors.Join(errs...)
}

// CheckIndex reads every segment of the last commit, validating checksums,
// document counts, delete sets and that no document id is live twice.
//
// With fix set, failed segments are dropped and a new commit without them is
// published. Their live documents are lost.
func (s *Store) CheckIndex(ctx context.Context, fix bool) (*CheckReport, error) {
	cp, err := s.ReadLastCommit(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCommit) {
			return &CheckReport{}, nil
		}
		return nil, err
	}

	report := &CheckReport{Generation: cp.Generation}
	live := make(map[string]string)
	for _, si := range cp.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Segments = append(report.Segments, s.checkSegment(ctx, si, live))
	}

	if !fix || report.Clean() {
		return report, nil
	}

	repaired := *cp
	repaired.Segments = nil
	for i, si := range cp.Segments {
		if report.Segments[i].Err == nil {
			repaired.Segments = append(repaired.Segments, si)
			continue
		}
		if n, err := si.LiveDocs(); err == nil {
			report.LostDocs += n
		} else {
			report.LostDocs += si.DocCount
		}
	}
	if _, err := s.Commit(ctx, &repaired); err != nil {
		return report, fmt.Errorf("store: publish repaired commit: %w", err)
	}
	report.Fixed = true
	s.logger.Warn("repaired index by dropping corrupted segments",
		"generation", repaired.Generation, "lost_docs", report.LostDocs)
	return report, nil
}

func (s *Store) checkSegment(ctx context.Context, si SegmentInfo, live map[string]string) SegmentStatus {
	st := SegmentStatus{Name: si.Name, DocCount: si.DocCount}

	deleted, err := si.DeletedDocs()
	if err != nil {
		st.Err = err
		return st
	}
	st.Deleted = int(deleted.GetCardinality())
	if !deleted.IsEmpty() && int(deleted.Maximum()) >= si.DocCount {
		st.Err = fmt.Errorf("%w: delete set references doc %d of %d", ErrCorrupted, deleted.Maximum(), si.DocCount)
		return st
	}

	seg, err := s.ReadSegment(ctx, si)
	if err != nil {
		st.Err = err
		return st
	}

	for ord, d := range seg.Docs {
		if deleted.Contains(uint32(ord)) {
			continue
		}
		if other, dup := live[d.ID]; dup {
			st.Err = fmt.Errorf("%w: document %q is live in %s and %s", ErrCorrupted, d.ID, other, si.Name)
			return st
		}
		live[d.ID] = si.Name
	}
	return st
}
