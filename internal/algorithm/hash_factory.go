package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/model"
)

// HashFactory places segment owners on a virtual node ring.
// Placement is a pure function of the member list, so every node that computes
// a hash for the same members gets the same owners.
type HashFactory struct {
	numSegments  int
	numOwners    int
	virtualNodes int
}

// ringPoint is one virtual node on the ring
type ringPoint struct {
	hash   uint64
	member model.Address
}

// NewHashFactory creates a factory for the given segment space
func NewHashFactory(numSegments, numOwners, virtualNodes int) (*HashFactory, error) {
	if numSegments < 1 {
		return nil, errors.Configuration(fmt.Sprintf("num_segments must be positive, got %d", numSegments))
	}
	if numOwners < 1 {
		return nil, errors.Configuration(fmt.Sprintf("num_owners must be positive, got %d", numOwners))
	}
	if virtualNodes < 1 {
		virtualNodes = 1
	}
	return &HashFactory{numSegments: numSegments, numOwners: numOwners, virtualNodes: virtualNodes}, nil
}

func (f *HashFactory) NumSegments() int {
	return f.numSegments
}

func (f *HashFactory) NumOwners() int {
	return f.numOwners
}

// Create computes a balanced hash for members. Each segment gets
// min(numOwners, len(members)) distinct owners.
func (f *HashFactory) Create(members []model.Address) (*model.ConsistentHash, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("cannot create consistent hash without members")
	}

	ring := f.buildRing(members)
	owners := make([][]model.Address, f.numSegments)
	for seg := 0; seg < f.numSegments; seg++ {
		owners[seg] = f.walk(ring, f.segmentPosition(seg), f.ownerCount(len(members)), nil)
	}
	return model.NewConsistentHash(f.numOwners, members, owners)
}

// Rebalance computes the target hash for members starting from base.
// Ring placement already limits movement to segments whose ring neighbourhood
// changed, so base is only checked for compatibility.
func (f *HashFactory) Rebalance(base *model.ConsistentHash, members []model.Address) (*model.ConsistentHash, error) {
	if base != nil && base.NumSegments() != f.numSegments {
		return nil, fmt.Errorf("base hash has %d segments, factory has %d", base.NumSegments(), f.numSegments)
	}
	return f.Create(members)
}

// UpdateMembers removes owners that are no longer members from base. A segment
// left without any owner is assigned a primary from the ring of the remaining
// members so that every segment stays addressable.
func (f *HashFactory) UpdateMembers(base *model.ConsistentHash, members []model.Address) (*model.ConsistentHash, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("cannot update consistent hash to an empty membership")
	}
	if base.NumSegments() != f.numSegments {
		return nil, fmt.Errorf("base hash has %d segments, factory has %d", base.NumSegments(), f.numSegments)
	}

	kept := make([]model.Address, 0, len(members))
	for _, m := range base.Members() {
		if containsAddr(members, m) {
			kept = append(kept, m)
		}
	}

	var ring []ringPoint
	owners := make([][]model.Address, f.numSegments)
	for seg := 0; seg < f.numSegments; seg++ {
		list := make([]model.Address, 0, f.numOwners)
		for _, owner := range base.OwnersForSegment(seg) {
			if containsAddr(members, owner) {
				list = append(list, owner)
			}
		}
		if len(list) == 0 {
			if ring == nil {
				ring = f.buildRing(members)
			}
			list = f.walk(ring, f.segmentPosition(seg), 1, nil)
			if !containsAddr(kept, list[0]) {
				kept = append(kept, list[0])
			}
		}
		owners[seg] = list
	}
	return model.NewConsistentHash(base.NumOwners(), kept, owners)
}

func (f *HashFactory) ownerCount(members int) int {
	if members < f.numOwners {
		return members
	}
	return f.numOwners
}

// segmentPosition spreads segments evenly over the hash space
func (f *HashFactory) segmentPosition(seg int) uint64 {
	return uint64(seg) * (math.MaxUint64 / uint64(f.numSegments))
}

func (f *HashFactory) buildRing(members []model.Address) []ringPoint {
	ring := make([]ringPoint, 0, len(members)*f.virtualNodes)
	for _, m := range members {
		for i := 0; i < f.virtualNodes; i++ {
			ring = append(ring, ringPoint{
				hash:   hash(fmt.Sprintf("%s-vnode-%d", m, i)),
				member: m,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash != ring[j].hash {
			return ring[i].hash < ring[j].hash
		}
		return ring[i].member < ring[j].member
	})
	return ring
}

// walk collects count distinct members clockwise from pos
func (f *HashFactory) walk(ring []ringPoint, pos uint64, count int, skip []model.Address) []model.Address {
	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= pos
	})
	if idx >= len(ring) {
		idx = 0
	}

	out := make([]model.Address, 0, count)
	for i := 0; i < len(ring) && len(out) < count; i++ {
		m := ring[(idx+i)%len(ring)].member
		if containsAddr(out, m) || containsAddr(skip, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// hash computes SHA-256 and keeps the first 8 bytes
func hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

func containsAddr(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
