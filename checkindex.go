package indexshard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CheckMode selects the integrity check run before the engine is opened.
type CheckMode uint8

const (
	// CheckOff skips the check.
	CheckOff CheckMode = iota
	// CheckChecksum verifies the checksum of every segment blob.
	CheckChecksum
	// CheckFull verifies checksums and the structure of the last commit.
	CheckFull
	// CheckFix runs the full check and drops broken segments.
	CheckFix
)

func (m CheckMode) String() string {
	switch m {
	case CheckOff:
		return "false"
	case CheckChecksum:
		return "checksum"
	case CheckFull:
		return "true"
	case CheckFix:
		return "fix"
	default:
		return "unknown"
	}
}

// ParseCheckMode parses a check_on_startup value: false, checksum, true or
// fix.
func ParseCheckMode(s string) (CheckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "off":
		return CheckOff, nil
	case "checksum":
		return CheckChecksum, nil
	case "true", "full":
		return CheckFull, nil
	case "fix":
		return CheckFix, nil
	default:
		return CheckOff, fmt.Errorf("unknown check_on_startup value %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m CheckMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *CheckMode) UnmarshalText(b []byte) error {
	v, err := ParseCheckMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (s *IndexShard) checkIndex(ctx context.Context) error {
	mode := s.Settings().CheckOnStartup
	if mode == CheckOff {
		return nil
	}
	exists, err := s.store.IndexExists(ctx)
	if err != nil || !exists {
		return err
	}

	start := time.Now()
	if mode == CheckChecksum {
		if err := s.store.VerifyChecksums(ctx); err != nil {
			s.logger.WarnContext(ctx, "check index [failure]", "mode", mode.String(), "error", err)
			return err
		}
		s.logger.DebugContext(ctx, "check index [success]", "mode", mode.String(), "took", time.Since(start))
		return nil
	}

	report, err := s.store.CheckIndex(ctx, mode == CheckFix)
	if err != nil {
		return err
	}
	if !report.Clean() {
		if s.State() == StateClosed {
			return nil
		}
		s.logger.WarnContext(ctx, "check index [failure]", "generation", report.Generation, "error", report.Err())
		if !report.Fixed {
			return fmt.Errorf("index check failure but can't fix it: %w", report.Err())
		}
		s.logger.WarnContext(ctx, "index fixed, wrote new commit", "lost_docs", report.LostDocs)
	}
	s.logger.DebugContext(ctx, "check index [success]", "mode", mode.String(), "segments", len(report.Segments), "took", time.Since(start))
	return nil
}
