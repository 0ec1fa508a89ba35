package model

import (
	"sort"
	"strings"
)

// Address identifies a cluster member. It doubles as the member's RPC endpoint.
type Address string

func (a Address) String() string {
	return string(a)
}

// View is an ordered membership snapshot delivered by the membership provider.
// The first member is the coordinator.
type View struct {
	ID      uint64    `json:"id"`
	Members []Address `json:"members"`
	// Merge is set when the view joins members that were running their own
	// partition and may carry installed topologies.
	Merge bool `json:"merge"`
}

// Coordinator returns the coordinator of the view, or "" for an empty view.
func (v View) Coordinator() Address {
	if len(v.Members) == 0 {
		return ""
	}
	return v.Members[0]
}

// Contains reports whether addr is a member of the view
func (v View) Contains(addr Address) bool {
	return containsAddress(v.Members, addr)
}

func (v View) String() string {
	parts := make([]string, len(v.Members))
	for i, m := range v.Members {
		parts[i] = string(m)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SortAddresses returns a sorted copy of addrs.
func SortAddresses(addrs []Address) []Address {
	out := append([]Address(nil), addrs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subtract returns the members of a that are not in b, preserving order.
func Subtract(a, b []Address) []Address {
	out := make([]Address, 0, len(a))
	for _, addr := range a {
		if !containsAddress(b, addr) {
			out = append(out, addr)
		}
	}
	return out
}

// SameMembers reports whether a and b hold the same addresses regardless of order.
func SameMembers(a, b []Address) bool {
	if len(a) != len(b) {
		return false
	}
	for _, addr := range a {
		if !containsAddress(b, addr) {
			return false
		}
	}
	return true
}

func containsAddress(list []Address, addr Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
