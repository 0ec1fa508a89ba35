package transport

import (
	"context"

	"github.com/devrev/pairdb/statetransfer/internal/model"
)

// StateRequest asks a previous owner to start, or cancel, sending segments,
// or to list the transactions touching them.
type StateRequest struct {
	Sender     model.Address `json:"sender"`
	TopologyID int           `json:"topology_id"`
	Segments   []int         `json:"segments"`
}

// TransactionsReply lists in-flight transactions for the requested segments
type TransactionsReply struct {
	Transactions []model.TransactionInfo `json:"transactions"`
}

// StatePush carries one batch of chunks from an outbound transfer task
type StatePush struct {
	Sender     model.Address      `json:"sender"`
	TopologyID int                `json:"topology_id"`
	Chunks     []model.StateChunk `json:"chunks"`
}

// TopologyUpdate is broadcast by the coordinator for every topology it issues.
// PreviousTopologyID lets receivers detect a missed update.
type TopologyUpdate struct {
	Sender             model.Address       `json:"sender"`
	ViewID             uint64              `json:"view_id"`
	PreviousTopologyID int                 `json:"previous_topology_id"`
	Topology           *model.TopologySpec `json:"topology"`
}

// PhaseConfirm is a member's acknowledgement that it finished the work of a
// rebalance phase.
type PhaseConfirm struct {
	Sender      model.Address `json:"sender"`
	TopologyID  int           `json:"topology_id"`
	RebalanceID int           `json:"rebalance_id"`
	Phase       model.Phase   `json:"phase"`
}

// StatusRequest asks a member for its installed topology
type StatusRequest struct {
	Sender model.Address `json:"sender"`
}

// NodeStatus is a member's view of the cluster, used to recover state after a
// coordinator change or a partition merge.
type NodeStatus struct {
	Address            model.Address       `json:"address"`
	Topology           *model.TopologySpec `json:"topology,omitempty"`
	RebalancingEnabled bool                `json:"rebalancing_enabled"`
}

// Ack is the empty reply of one-way RPCs
type Ack struct{}

// Client issues RPCs to other members
type Client interface {
	StartStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error
	CancelStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error
	GetTransactions(ctx context.Context, target model.Address, req *StateRequest) (*TransactionsReply, error)
	PushState(ctx context.Context, target model.Address, push *StatePush) error
	InstallTopology(ctx context.Context, target model.Address, update *TopologyUpdate) error
	ConfirmPhase(ctx context.Context, target model.Address, confirm *PhaseConfirm) error
	GetStatus(ctx context.Context, target model.Address, req *StatusRequest) (*NodeStatus, error)
}

// Server handles RPCs addressed to this member
type Server interface {
	StartStateTransfer(ctx context.Context, req *StateRequest) error
	CancelStateTransfer(ctx context.Context, req *StateRequest) error
	GetTransactions(ctx context.Context, req *StateRequest) (*TransactionsReply, error)
	PushState(ctx context.Context, push *StatePush) error
	InstallTopology(ctx context.Context, update *TopologyUpdate) error
	ConfirmPhase(ctx context.Context, confirm *PhaseConfirm) error
	GetStatus(ctx context.Context, req *StatusRequest) (*NodeStatus, error)
}
