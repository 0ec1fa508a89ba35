package model

import "sort"

// SegmentSet is an unordered set of segment ids.
type SegmentSet map[int]struct{}

// NewSegmentSet creates a set holding the given segments
func NewSegmentSet(segments ...int) SegmentSet {
	s := make(SegmentSet, len(segments))
	for _, seg := range segments {
		s[seg] = struct{}{}
	}
	return s
}

func (s SegmentSet) Add(segment int) {
	s[segment] = struct{}{}
}

func (s SegmentSet) Remove(segment int) {
	delete(s, segment)
}

func (s SegmentSet) Contains(segment int) bool {
	_, ok := s[segment]
	return ok
}

func (s SegmentSet) Len() int {
	return len(s)
}

// Sorted returns the segments in ascending order
func (s SegmentSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for seg := range s {
		out = append(out, seg)
	}
	sort.Ints(out)
	return out
}

// Difference returns the segments in s that are not in other.
func (s SegmentSet) Difference(other SegmentSet) SegmentSet {
	out := make(SegmentSet)
	for seg := range s {
		if !other.Contains(seg) {
			out.Add(seg)
		}
	}
	return out
}

// Intersect returns the segments present in both sets.
func (s SegmentSet) Intersect(other SegmentSet) SegmentSet {
	out := make(SegmentSet)
	for seg := range s {
		if other.Contains(seg) {
			out.Add(seg)
		}
	}
	return out
}

func (s SegmentSet) Clone() SegmentSet {
	out := make(SegmentSet, len(s))
	for seg := range s {
		out.Add(seg)
	}
	return out
}
