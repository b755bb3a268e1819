package indexshard

import (
	"context"
	"fmt"
	"maps"
	"strings"
)

// RoutingState is the cluster-wide state of a shard copy.
type RoutingState uint8

const (
	RoutingUnassigned RoutingState = iota
	RoutingInitializing
	RoutingStarted
	RoutingRelocating
)

func (s RoutingState) String() string {
	switch s {
	case RoutingUnassigned:
		return "UNASSIGNED"
	case RoutingInitializing:
		return "INITIALIZING"
	case RoutingStarted:
		return "STARTED"
	case RoutingRelocating:
		return "RELOCATING"
	default:
		return "UNKNOWN"
	}
}

// ParseRoutingState parses the String form of a RoutingState, ignoring case.
func ParseRoutingState(s string) (RoutingState, error) {
	switch strings.ToUpper(s) {
	case "UNASSIGNED":
		return RoutingUnassigned, nil
	case "INITIALIZING":
		return RoutingInitializing, nil
	case "STARTED":
		return RoutingStarted, nil
	case "RELOCATING":
		return RoutingRelocating, nil
	default:
		return 0, fmt.Errorf("unknown routing state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RoutingState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RoutingState) UnmarshalText(b []byte) error {
	v, err := ParseRoutingState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RoutingEntry is the externally assigned role of this shard copy. It is
// replaced as a whole on every update.
type RoutingEntry struct {
	ShardID          string            `json:"shard_id"`
	Primary          bool              `json:"primary"`
	Version          int64             `json:"version"`
	AllocationID     string            `json:"allocation_id"`
	State            RoutingState      `json:"state"`
	RelocatingNodeID string            `json:"relocating_node_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the copy is started or relocating.
func (r RoutingEntry) Active() bool {
	return r.State == RoutingStarted || r.State == RoutingRelocating
}

// IsSameAllocation reports whether both entries describe the same copy.
func (r RoutingEntry) IsSameAllocation(other RoutingEntry) bool {
	return r.ShardID == other.ShardID && r.AllocationID == other.AllocationID
}

// EqualsIgnoringMetadata compares everything except Version and Metadata.
func (r RoutingEntry) EqualsIgnoringMetadata(other RoutingEntry) bool {
	return r.ShardID == other.ShardID &&
		r.Primary == other.Primary &&
		r.AllocationID == other.AllocationID &&
		r.State == other.State &&
		r.RelocatingNodeID == other.RelocatingNodeID
}

// MoveToStarted returns a copy in state STARTED with the next version.
func (r RoutingEntry) MoveToStarted() RoutingEntry {
	next := r.clone()
	next.State = RoutingStarted
	next.RelocatingNodeID = ""
	next.Version++
	return next
}

// Relocate returns a copy relocating to nodeID with the next version.
func (r RoutingEntry) Relocate(nodeID string) RoutingEntry {
	next := r.clone()
	next.State = RoutingRelocating
	next.RelocatingNodeID = nodeID
	next.Version++
	return next
}

func (r RoutingEntry) clone() RoutingEntry {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func (r RoutingEntry) String() string {
	role := "replica"
	if r.Primary {
		role = "primary"
	}
	s := fmt.Sprintf("[%s][%s], allocation [%s], version [%d], state [%s]", r.ShardID, role, r.AllocationID, r.Version, r.State)
	if r.RelocatingNodeID != "" {
		s += fmt.Sprintf(", relocating [%s]", r.RelocatingNodeID)
	}
	return s
}

// RoutingEntry returns the current routing entry.
func (s *IndexShard) RoutingEntry() RoutingEntry {
	return *s.routing.Load()
}

// UpdateRoutingEntry adopts newRouting. It must describe the same shard and
// allocation as the current entry.
//
// A shard in POST_RECOVERY whose new routing says STARTED or RELOCATING is
// refreshed and moved to STARTED; AfterIndexShardStarted fires once. A failed
// refresh does not prevent the move. With persist set, an active routing is
// written to the shard state store.
func (s *IndexShard) UpdateRoutingEntry(ctx context.Context, newRouting RoutingEntry, persist bool) error {
	current := s.routing.Load()
	if newRouting.ShardID != s.shardID {
		return s.illegalState(s.State(), fmt.Sprintf("trying to set a routing entry with shard id [%s] on shard [%s]", newRouting.ShardID, s.shardID))
	}
	if !newRouting.IsSameAllocation(*current) {
		return s.illegalState(s.State(), fmt.Sprintf("trying to set a routing entry with a different allocation, current %s, new %s", current, newRouting))
	}
	if persist {
		defer s.persistMetadata(ctx, newRouting)
	}

	if current.Primary && !newRouting.Primary {
		s.logger.WarnContext(ctx, "suspect illegal state: trying to move shard from primary mode to replica mode")
	}

	if s.State() == StatePostRecovery && newRouting.Active() {
		s.startFromRouting(ctx, newRouting)
	} else if current.EqualsIgnoringMetadata(newRouting) {
		s.routing.Store(&newRouting)
		return nil
	}

	s.routing.Store(&newRouting)
	s.logger.DebugContext(ctx, "routing changed", "from", current.String(), "to", newRouting.String())
	return nil
}

func (s *IndexShard) startFromRouting(ctx context.Context, newRouting RoutingEntry) {
	if eng := s.handle.get(); eng != nil {
		if err := eng.Refresh(ctx, "cluster_state_started"); err != nil {
			s.logger.DebugContext(ctx, "failed to refresh due to move to cluster wide started", "error", err)
		}
	}

	s.sm.lock()
	moved := false
	if state := s.sm.load(); state == StatePostRecovery {
		s.sm.transition(StateStarted, fmt.Sprintf("global state is [%s]", newRouting.State))
		moved = true
	} else {
		s.logger.DebugContext(ctx, "state not changed, not in POST_RECOVERY", "state", state.String(), "global_state", newRouting.State.String())
	}
	s.unlockAndNotify()

	if moved {
		s.listeners.afterIndexShardStarted(s)
	}
}
