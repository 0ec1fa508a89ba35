package algorithm

import "github.com/devrev/pairdb/statetransfer/internal/model"

// OwnershipDiff lists, per member, the segments gained and lost between two hashes.
type OwnershipDiff struct {
	Gained map[model.Address]model.SegmentSet
	Lost   map[model.Address]model.SegmentSet
}

// Diff compares the owner lists of prev and next segment by segment. A nil prev
// hash is treated as owning nothing.
func Diff(prev, next *model.ConsistentHash) OwnershipDiff {
	d := OwnershipDiff{
		Gained: make(map[model.Address]model.SegmentSet),
		Lost:   make(map[model.Address]model.SegmentSet),
	}

	for seg := 0; seg < next.NumSegments(); seg++ {
		var before []model.Address
		if prev != nil {
			before = prev.OwnersForSegment(seg)
		}
		after := next.OwnersForSegment(seg)

		for _, m := range model.Subtract(after, before) {
			add(d.Gained, m, seg)
		}
		for _, m := range model.Subtract(before, after) {
			add(d.Lost, m, seg)
		}
	}
	return d
}

// MovedSegments returns segments whose owner set differs between the hashes
func (d OwnershipDiff) MovedSegments() model.SegmentSet {
	out := make(model.SegmentSet)
	for _, segs := range d.Gained {
		for seg := range segs {
			out.Add(seg)
		}
	}
	for _, segs := range d.Lost {
		for seg := range segs {
			out.Add(seg)
		}
	}
	return out
}

func add(m map[model.Address]model.SegmentSet, addr model.Address, seg int) {
	set, ok := m[addr]
	if !ok {
		set = make(model.SegmentSet)
		m[addr] = set
	}
	set.Add(seg)
}
