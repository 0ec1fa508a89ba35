package model

import "fmt"

// GlobalTransaction identifies a transaction cluster-wide
type GlobalTransaction struct {
	Originator Address `json:"originator"`
	ID         uint64  `json:"id"`
}

func (g GlobalTransaction) String() string {
	return fmt.Sprintf("%s:%d", g.Originator, g.ID)
}

// TransactionInfo describes an in-flight transaction whose keys fall into
// transferred segments. New owners rebuild backup locks from it.
type TransactionInfo struct {
	GTX           GlobalTransaction `json:"gtx"`
	TopologyID    int               `json:"topology_id"`
	LockedKeys    []string          `json:"locked_keys"`
	Modifications []Entry           `json:"modifications,omitempty"`
}
