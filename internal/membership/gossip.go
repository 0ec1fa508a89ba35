package membership

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	// Address is the RPC address of this member. It is the memberlist node
	// name, so every member learns the others' RPC endpoints from gossip.
	Address        model.Address
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	// SettleInterval delays view publication so that a burst of joins or
	// failures produces a single view.
	SettleInterval time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	TopologyID int `cbor:"1,keyasint"`
}

func encodeMeta(meta nodeMeta) []byte {
	data, err := cbor.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

func decodeMeta(data []byte) nodeMeta {
	meta := nodeMeta{TopologyID: -1}
	if len(data) == 0 {
		return meta
	}
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return nodeMeta{TopologyID: -1}
	}
	return meta
}

// GossipProvider derives views from memberlist. Members are ordered by
// address, so every member agrees on the coordinator without an election.
type GossipProvider struct {
	config     GossipConfig
	dispatcher *Dispatcher
	logger     *zap.Logger

	memberlist *memberlist.Memberlist
	topologyID atomic.Int64

	mu      sync.Mutex
	view    model.View
	settle  *time.Timer
	stopped bool
}

// NewGossipProvider creates a provider publishing to dispatcher. Start joins the cluster.
func NewGossipProvider(cfg GossipConfig, dispatcher *Dispatcher, logger *zap.Logger) *GossipProvider {
	p := &GossipProvider{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
	p.topologyID.Store(-1)
	return p
}

// Start creates the memberlist, joins the seed nodes and publishes the first view
func (p *GossipProvider) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = string(p.config.Address)
	if p.config.BindAddr != "" {
		mlConfig.BindAddr = p.config.BindAddr
	}
	mlConfig.BindPort = p.config.BindPort
	mlConfig.AdvertisePort = p.config.BindPort
	if p.config.GossipInterval > 0 {
		mlConfig.GossipInterval = p.config.GossipInterval
	}
	if p.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = p.config.ProbeTimeout
	}
	if p.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = p.config.ProbeInterval
	}
	mlConfig.Delegate = p
	mlConfig.Events = &gossipEvents{provider: p}
	mlConfig.LogOutput = nil
	mlConfig.Logger = zap.NewStdLog(p.logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	p.mu.Lock()
	p.memberlist = ml
	p.mu.Unlock()

	if len(p.config.SeedNodes) > 0 {
		joined, err := ml.Join(p.config.SeedNodes)
		if err != nil {
			p.logger.Warn("Failed to join some seed nodes",
				zap.Strings("seeds", p.config.SeedNodes),
				zap.Error(err))
		} else {
			p.logger.Info("Joined cluster", zap.Int("contacted", joined))
		}
	}

	p.publish()
	return nil
}

// Stop leaves the cluster and shuts memberlist down
func (p *GossipProvider) Stop(timeout time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	if p.settle != nil {
		p.settle.Stop()
	}
	ml := p.memberlist
	p.mu.Unlock()

	if ml == nil {
		return nil
	}
	if err := ml.Leave(timeout); err != nil {
		p.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return ml.Shutdown()
}

// SetTopologyID gossips the id of the locally installed topology. A
// coordinator uses it to tell a merge from a plain join.
func (p *GossipProvider) SetTopologyID(id int) {
	if int64(id) <= p.topologyID.Load() {
		return
	}
	p.topologyID.Store(int64(id))

	p.mu.Lock()
	ml := p.memberlist
	p.mu.Unlock()
	if ml == nil {
		return
	}
	if err := ml.UpdateNode(p.config.ProbeTimeout); err != nil {
		p.logger.Debug("Failed to gossip topology id", zap.Int("topology_id", id), zap.Error(err))
	}
}

// NodeMeta implements memberlist.Delegate
func (p *GossipProvider) NodeMeta(limit int) []byte {
	data := encodeMeta(nodeMeta{TopologyID: int(p.topologyID.Load())})
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (p *GossipProvider) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (p *GossipProvider) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (p *GossipProvider) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (p *GossipProvider) MergeRemoteState(buf []byte, join bool) {}

// scheduleView publishes a view once membership stopped changing for the settle interval
func (p *GossipProvider) scheduleView() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.settle != nil {
		p.settle.Stop()
	}
	p.settle = time.AfterFunc(p.config.SettleInterval, p.publish)
}

func (p *GossipProvider) publish() {
	p.mu.Lock()
	if p.stopped || p.memberlist == nil {
		p.mu.Unlock()
		return
	}
	view := nextView(p.view, p.memberlist.Members())
	p.view = view
	p.mu.Unlock()

	p.dispatcher.Publish(view)
}

// nextView builds the view following prev from the live memberlist nodes. The
// view is a merge when a member that was not in prev already installed a
// topology, which happens only if it ran in another partition.
func nextView(prev model.View, nodes []*memberlist.Node) model.View {
	members := make([]model.Address, 0, len(nodes))
	merge := false
	for _, node := range nodes {
		addr := model.Address(node.Name)
		members = append(members, addr)
		if len(prev.Members) > 0 && !prev.Contains(addr) && decodeMeta(node.Meta).TopologyID > 0 {
			merge = true
		}
	}
	return model.View{
		ID:      prev.ID + 1,
		Members: model.SortAddresses(members),
		Merge:   merge,
	}
}

// gossipEvents turns memberlist events into view changes
type gossipEvents struct {
	provider *GossipProvider
}

// NotifyJoin is called when a node joins
func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.provider.logger.Info("Node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Address()))
	e.provider.scheduleView()
}

// NotifyLeave is called when a node leaves or is declared dead
func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.provider.logger.Info("Node left", zap.String("node", node.Name))
	e.provider.scheduleView()
}

// NotifyUpdate is called when a node's metadata changes
func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.provider.logger.Debug("Node updated",
		zap.String("node", node.Name),
		zap.Int("topology_id", decodeMeta(node.Meta).TopologyID))
}
