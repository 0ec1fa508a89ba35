package model

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ConsistentHash is an immutable assignment of segments to ordered owner lists.
// The first owner of a segment is its primary.
type ConsistentHash struct {
	numOwners int
	members   []Address
	owners    [][]Address
}

// HashSpec is the exported, wire-friendly form of a ConsistentHash
type HashSpec struct {
	NumOwners int         `json:"num_owners"`
	Members   []Address   `json:"members"`
	Owners    [][]Address `json:"owners"`
}

// NewConsistentHash validates and builds a consistent hash. Slices are copied.
func NewConsistentHash(numOwners int, members []Address, owners [][]Address) (*ConsistentHash, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("consistent hash needs at least one segment")
	}
	if numOwners < 1 {
		return nil, fmt.Errorf("num owners must be positive, got %d", numOwners)
	}

	ch := &ConsistentHash{
		numOwners: numOwners,
		members:   append([]Address(nil), members...),
		owners:    make([][]Address, len(owners)),
	}
	for seg, list := range owners {
		for _, owner := range list {
			if !containsAddress(members, owner) {
				return nil, fmt.Errorf("segment %d owner %s is not a member", seg, owner)
			}
		}
		ch.owners[seg] = append([]Address(nil), list...)
	}
	return ch, nil
}

// HashFromSpec rebuilds a consistent hash received over the wire
func HashFromSpec(spec *HashSpec) (*ConsistentHash, error) {
	if spec == nil {
		return nil, nil
	}
	return NewConsistentHash(spec.NumOwners, spec.Members, spec.Owners)
}

// Spec returns a copy suitable for serialization
func (ch *ConsistentHash) Spec() *HashSpec {
	if ch == nil {
		return nil
	}
	owners := make([][]Address, len(ch.owners))
	for i, list := range ch.owners {
		owners[i] = append([]Address(nil), list...)
	}
	return &HashSpec{
		NumOwners: ch.numOwners,
		Members:   append([]Address(nil), ch.members...),
		Owners:    owners,
	}
}

func (ch *ConsistentHash) NumSegments() int {
	return len(ch.owners)
}

func (ch *ConsistentHash) NumOwners() int {
	return ch.numOwners
}

// Members returns a copy of the member list
func (ch *ConsistentHash) Members() []Address {
	return append([]Address(nil), ch.members...)
}

func (ch *ConsistentHash) IsMember(addr Address) bool {
	return containsAddress(ch.members, addr)
}

// Segment maps a key to its segment. The mapping only depends on the key and
// the number of segments, never on membership.
func (ch *ConsistentHash) Segment(key string) int {
	return SegmentOf(key, len(ch.owners))
}

// SegmentOf maps a key onto one of numSegments segments
func SegmentOf(key string, numSegments int) int {
	return int(xxhash.Sum64String(key) % uint64(numSegments))
}

// OwnersForSegment returns the ordered owners of segment
func (ch *ConsistentHash) OwnersForSegment(segment int) []Address {
	return append([]Address(nil), ch.owners[segment]...)
}

// OwnersForKey returns the ordered owners of the key's segment
func (ch *ConsistentHash) OwnersForKey(key string) []Address {
	return ch.OwnersForSegment(ch.Segment(key))
}

func (ch *ConsistentHash) IsSegmentOwner(addr Address, segment int) bool {
	return containsAddress(ch.owners[segment], addr)
}

func (ch *ConsistentHash) IsKeyOwner(addr Address, key string) bool {
	return ch.IsSegmentOwner(addr, ch.Segment(key))
}

// SegmentsForOwner returns every segment addr owns as primary or backup
func (ch *ConsistentHash) SegmentsForOwner(addr Address) SegmentSet {
	out := make(SegmentSet)
	if ch == nil {
		return out
	}
	for seg, list := range ch.owners {
		if containsAddress(list, addr) {
			out.Add(seg)
		}
	}
	return out
}

// Union merges two hashes over the same segment space. Owners of ch come first
// for every segment, followed by owners of other that ch does not list.
func (ch *ConsistentHash) Union(other *ConsistentHash) (*ConsistentHash, error) {
	if other == nil {
		return ch, nil
	}
	if ch.NumSegments() != other.NumSegments() {
		return nil, fmt.Errorf("cannot union hashes with %d and %d segments", ch.NumSegments(), other.NumSegments())
	}

	members := append([]Address(nil), ch.members...)
	members = append(members, Subtract(other.members, ch.members)...)

	numOwners := ch.numOwners
	owners := make([][]Address, len(ch.owners))
	for seg := range ch.owners {
		list := append([]Address(nil), ch.owners[seg]...)
		list = append(list, Subtract(other.owners[seg], ch.owners[seg])...)
		owners[seg] = list
		if len(list) > numOwners {
			numOwners = len(list)
		}
	}
	return &ConsistentHash{numOwners: numOwners, members: members, owners: owners}, nil
}

// Equal reports whether both hashes assign the same owners in the same order
func (ch *ConsistentHash) Equal(other *ConsistentHash) bool {
	if ch == nil || other == nil {
		return ch == other
	}
	if ch.NumSegments() != other.NumSegments() || !SameMembers(ch.members, other.members) {
		return false
	}
	for seg := range ch.owners {
		a, b := ch.owners[seg], other.owners[seg]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func (ch *ConsistentHash) String() string {
	if ch == nil {
		return "<nil>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CH(segments=%d, owners=%d, members=%v", len(ch.owners), ch.numOwners, ch.members)
	counts := ch.ownershipCounts()
	for _, addr := range ch.members {
		fmt.Fprintf(&sb, ", %s:%d", addr, counts[addr])
	}
	sb.WriteString(")")
	return sb.String()
}

func (ch *ConsistentHash) ownershipCounts() map[Address]int {
	counts := make(map[Address]int, len(ch.members))
	for _, list := range ch.owners {
		for _, owner := range list {
			counts[owner]++
		}
	}
	return counts
}
