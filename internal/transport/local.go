package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/model"
)

// LocalNetwork connects members running in one process. Calls are dispatched
// directly to the target's Server. Links can be cut to simulate partitions.
type LocalNetwork struct {
	mu      sync.RWMutex
	servers map[model.Address]Server
	cut     map[[2]model.Address]bool
}

// NewLocalNetwork creates an empty network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		servers: make(map[model.Address]Server),
		cut:     make(map[[2]model.Address]bool),
	}
}

// Register attaches srv at addr
func (n *LocalNetwork) Register(addr model.Address, srv Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[addr] = srv
}

// Unregister detaches addr; later calls to it fail as transport failures
func (n *LocalNetwork) Unregister(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, addr)
}

// Partition cuts the link between a and b in both directions
func (n *LocalNetwork) Partition(a, b model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]model.Address{a, b}] = true
	n.cut[[2]model.Address{b, a}] = true
}

// Heal restores every cut link
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]model.Address]bool)
}

// Client returns a client that sends from self
func (n *LocalNetwork) Client(self model.Address) Client {
	return &localClient{network: n, self: self}
}

func (n *LocalNetwork) lookup(from, to model.Address) (Server, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.cut[[2]model.Address{from, to}] {
		return nil, errors.TransportFailure(string(to), fmt.Errorf("link %s -> %s is partitioned", from, to))
	}
	srv, ok := n.servers[to]
	if !ok {
		return nil, errors.TransportFailure(string(to), fmt.Errorf("no member at %s", to))
	}
	return srv, nil
}

type localClient struct {
	network *LocalNetwork
	self    model.Address
}

func (c *localClient) StartStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return err
	}
	return srv.StartStateTransfer(ctx, req)
}

func (c *localClient) CancelStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return err
	}
	return srv.CancelStateTransfer(ctx, req)
}

func (c *localClient) GetTransactions(ctx context.Context, target model.Address, req *StateRequest) (*TransactionsReply, error) {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return nil, err
	}
	return srv.GetTransactions(ctx, req)
}

func (c *localClient) PushState(ctx context.Context, target model.Address, push *StatePush) error {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return err
	}
	return srv.PushState(ctx, push)
}

func (c *localClient) InstallTopology(ctx context.Context, target model.Address, update *TopologyUpdate) error {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return err
	}
	return srv.InstallTopology(ctx, update)
}

func (c *localClient) ConfirmPhase(ctx context.Context, target model.Address, confirm *PhaseConfirm) error {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return err
	}
	return srv.ConfirmPhase(ctx, confirm)
}

func (c *localClient) GetStatus(ctx context.Context, target model.Address, req *StatusRequest) (*NodeStatus, error) {
	srv, err := c.network.lookup(c.self, target)
	if err != nil {
		return nil, err
	}
	return srv.GetStatus(ctx, req)
}
