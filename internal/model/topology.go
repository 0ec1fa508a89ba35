package model

import "fmt"

// Phase is the rebalance phase of a cache topology
type Phase int

const (
	PhaseNoRebalance Phase = iota
	PhaseReadOldWriteAll
	PhaseReadAllWriteAll
	PhaseReadNewWriteAll
)

func (p Phase) String() string {
	switch p {
	case PhaseNoRebalance:
		return "NO_REBALANCE"
	case PhaseReadOldWriteAll:
		return "READ_OLD_WRITE_ALL"
	case PhaseReadAllWriteAll:
		return "READ_ALL_WRITE_ALL"
	case PhaseReadNewWriteAll:
		return "READ_NEW_WRITE_ALL"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// Next returns the phase that follows p in a rebalance.
// READ_NEW_WRITE_ALL is followed by NO_REBALANCE.
func (p Phase) Next() Phase {
	switch p {
	case PhaseReadOldWriteAll:
		return PhaseReadAllWriteAll
	case PhaseReadAllWriteAll:
		return PhaseReadNewWriteAll
	default:
		return PhaseNoRebalance
	}
}

// IsRebalance reports whether a pending hash exists in this phase
func (p Phase) IsRebalance() bool {
	return p != PhaseNoRebalance
}

// CacheTopology is an immutable versioned snapshot of ownership.
type CacheTopology struct {
	ID          int
	RebalanceID int
	Phase       Phase
	CurrentCH   *ConsistentHash
	PendingCH   *ConsistentHash
	UnionCH     *ConsistentHash
	// Members is the membership the topology was computed from. Joiners that
	// are not yet owners are listed here so they can route requests.
	Members []Address
}

// TopologySpec is the exported, wire-friendly form of a CacheTopology
type TopologySpec struct {
	ID          int       `json:"id"`
	RebalanceID int       `json:"rebalance_id"`
	Phase       Phase     `json:"phase"`
	Members     []Address `json:"members"`
	Current     *HashSpec `json:"current"`
	Pending     *HashSpec `json:"pending,omitempty"`
}

// NewCacheTopology validates the phase/pending pairing and derives the union hash.
func NewCacheTopology(id, rebalanceID int, phase Phase, current, pending *ConsistentHash, members []Address) (*CacheTopology, error) {
	if current == nil {
		return nil, fmt.Errorf("topology %d has no current hash", id)
	}
	if phase.IsRebalance() != (pending != nil) {
		return nil, fmt.Errorf("topology %d: phase %s inconsistent with pending hash presence", id, phase)
	}

	t := &CacheTopology{
		ID:          id,
		RebalanceID: rebalanceID,
		Phase:       phase,
		CurrentCH:   current,
		PendingCH:   pending,
	}
	if pending != nil {
		union, err := current.Union(pending)
		if err != nil {
			return nil, fmt.Errorf("topology %d: %w", id, err)
		}
		t.UnionCH = union
	}

	if len(members) == 0 {
		if t.UnionCH != nil {
			members = t.UnionCH.Members()
		} else {
			members = current.Members()
		}
	}
	t.Members = append([]Address(nil), members...)
	return t, nil
}

// TopologyFromSpec rebuilds a topology received over the wire
func TopologyFromSpec(spec *TopologySpec) (*CacheTopology, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil topology spec")
	}
	current, err := HashFromSpec(spec.Current)
	if err != nil {
		return nil, fmt.Errorf("current hash: %w", err)
	}
	pending, err := HashFromSpec(spec.Pending)
	if err != nil {
		return nil, fmt.Errorf("pending hash: %w", err)
	}
	return NewCacheTopology(spec.ID, spec.RebalanceID, spec.Phase, current, pending, spec.Members)
}

// Spec returns the serializable form of the topology
func (t *CacheTopology) Spec() *TopologySpec {
	if t == nil {
		return nil
	}
	return &TopologySpec{
		ID:          t.ID,
		RebalanceID: t.RebalanceID,
		Phase:       t.Phase,
		Members:     append([]Address(nil), t.Members...),
		Current:     t.CurrentCH.Spec(),
		Pending:     t.PendingCH.Spec(),
	}
}

// ReadCH returns the hash that decides read owners in the current phase
func (t *CacheTopology) ReadCH() *ConsistentHash {
	switch t.Phase {
	case PhaseReadAllWriteAll:
		return t.UnionCH
	case PhaseReadNewWriteAll:
		return t.PendingCH
	default:
		return t.CurrentCH
	}
}

// WriteCH returns the hash that decides write owners in the current phase.
// Writes go to old and new owners for the whole rebalance.
func (t *CacheTopology) WriteCH() *ConsistentHash {
	if t.Phase.IsRebalance() {
		return t.UnionCH
	}
	return t.CurrentCH
}

func (t *CacheTopology) ReadOwners(key string) []Address {
	return t.ReadCH().OwnersForKey(key)
}

func (t *CacheTopology) WriteOwners(key string) []Address {
	return t.WriteCH().OwnersForKey(key)
}

// IsMember reports whether addr is part of the topology's membership
func (t *CacheTopology) IsMember(addr Address) bool {
	return containsAddress(t.Members, addr)
}

func (t *CacheTopology) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("CacheTopology(id=%d, rebalance=%d, phase=%s, current=%s, pending=%s)",
		t.ID, t.RebalanceID, t.Phase, t.CurrentCH, t.PendingCH)
}
