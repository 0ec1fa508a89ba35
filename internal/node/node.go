package node

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/algorithm"
	"github.com/devrev/pairdb/statetransfer/internal/cache"
	"github.com/devrev/pairdb/statetransfer/internal/config"
	"github.com/devrev/pairdb/statetransfer/internal/consumer"
	"github.com/devrev/pairdb/statetransfer/internal/container"
	"github.com/devrev/pairdb/statetransfer/internal/membership"
	"github.com/devrev/pairdb/statetransfer/internal/metrics"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/topology"
	"github.com/devrev/pairdb/statetransfer/internal/transfer"
	"github.com/devrev/pairdb/statetransfer/internal/transferlock"
	"github.com/devrev/pairdb/statetransfer/internal/transport"
	"github.com/devrev/pairdb/statetransfer/internal/txn"
	"go.uber.org/zap"
)

// Config holds everything a member needs to take part in rebalancing
type Config struct {
	Self         model.Address
	NumSegments  int
	NumOwners    int
	VirtualNodes int

	ChunkSize            int
	TransferTimeout      time.Duration
	AckTimeout           time.Duration
	RPCTimeout           time.Duration
	RebalancingEnabled   bool
	MaxRebalanceRestarts int
	ChunksPerSecond      float64
	OutboundWorkers      int
	ApplyWorkers         int
	QueueSize            int

	Transactions        txn.Config
	ReaperInterval      time.Duration
	TransactionAttempts int
}

// ConfigFromFile maps the process configuration onto a node configuration
func ConfigFromFile(cfg *config.Config, self model.Address) Config {
	return Config{
		Self:                 self,
		NumSegments:          cfg.Cluster.NumSegments,
		NumOwners:            cfg.Cluster.NumOwners,
		VirtualNodes:         cfg.Cluster.VirtualNodes,
		ChunkSize:            cfg.StateTransfer.ChunkSize,
		TransferTimeout:      cfg.StateTransfer.Timeout,
		AckTimeout:           cfg.StateTransfer.Timeout,
		RPCTimeout:           cfg.Server.RPCTimeout,
		RebalancingEnabled:   cfg.StateTransfer.IsRebalancingEnabled(),
		MaxRebalanceRestarts: cfg.StateTransfer.RestartLimit(),
		ChunksPerSecond:      cfg.StateTransfer.ChunksPerSecond,
		OutboundWorkers:      cfg.StateTransfer.OutboundWorkers,
		ApplyWorkers:         cfg.StateTransfer.ApplyWorkers,
		QueueSize:            cfg.StateTransfer.QueueSize,
		Transactions: txn.Config{
			OrphanGracePeriod:    cfg.Transaction.OrphanGracePeriod,
			CompletedTxTimeout:   cfg.Transaction.CompletedTxTimeout,
			CompletedTxCacheSize: cfg.Transaction.CompletedTxCacheSize,
		},
		ReaperInterval: cfg.Transaction.ReaperInterval,
	}
}

// Node wires the rebalancing components of one member together and serves
// the RPCs other members send to it.
type Node struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	Store        *container.Container
	Lock         *transferlock.StateTransferLock
	Transactions *txn.Table
	Reaper       *txn.Reaper
	Provider     *transfer.StateProvider
	Consumer     *consumer.StateConsumer
	Topology     *topology.LocalTopologyManager
	Coordinator  *topology.Coordinator
	Cache        *cache.Cache

	subscriptions []membership.Subscription
	dispatcher    *membership.Dispatcher
	onInstall     []func(topologyID int)
}

var _ transport.Server = (*Node)(nil)

// New builds a node sending RPCs through client
func New(cfg Config, client transport.Client, logger *zap.Logger, m *metrics.Metrics) (*Node, error) {
	factory, err := algorithm.NewHashFactory(cfg.NumSegments, cfg.NumOwners, cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("node", string(cfg.Self)))
	n := &Node{cfg: cfg, logger: logger, metrics: m}

	n.Store = container.New(cfg.NumSegments, logger.Named("container"))
	n.Lock = transferlock.New(cfg.TransferTimeout, logger.Named("lock"), m)

	n.Transactions, err = txn.NewTable(cfg.Self, cfg.Transactions, logger.Named("txn"), m)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction table: %w", err)
	}
	n.Reaper = txn.NewReaper(n.Transactions, cfg.ReaperInterval, logger.Named("reaper"))

	n.Provider = transfer.NewStateProvider(transfer.ProviderConfig{
		Self:            cfg.Self,
		NumSegments:     cfg.NumSegments,
		ChunkSize:       cfg.ChunkSize,
		ChunksPerSecond: cfg.ChunksPerSecond,
		Workers:         cfg.OutboundWorkers,
		QueueSize:       cfg.QueueSize,
	}, n.Store, n.Transactions, client, n.Lock, logger.Named("provider"), m)

	n.Consumer = consumer.New(consumer.Config{
		Self:         cfg.Self,
		NumSegments:  cfg.NumSegments,
		Timeout:      cfg.TransferTimeout,
		ApplyWorkers: cfg.ApplyWorkers,
	}, n.Store, n.Transactions, client, n.Lock, logger.Named("consumer"), m)

	n.Topology = topology.NewLocalTopologyManager(topology.LocalConfig{
		Self:       cfg.Self,
		RPCTimeout: cfg.RPCTimeout,
	}, n.Lock, n.Consumer, n.Provider, n.Transactions, client, logger.Named("topology"), m)

	n.Coordinator = topology.NewCoordinator(topology.CoordinatorConfig{
		Self:                 cfg.Self,
		AckTimeout:           cfg.AckTimeout,
		RPCTimeout:           cfg.RPCTimeout,
		RebalancingEnabled:   cfg.RebalancingEnabled,
		MaxRebalanceRestarts: cfg.MaxRebalanceRestarts,
	}, factory, client, logger.Named("coordinator"), m)

	n.Cache = cache.New(cache.Config{
		Self:        cfg.Self,
		MaxAttempts: cfg.TransactionAttempts,
	}, n.Topology, n.Lock, n.Store, n.Transactions, logger.Named("cache"), m)

	return n, nil
}

// Address returns the member address of the node
func (n *Node) Address() model.Address {
	return n.cfg.Self
}

// OnTopologyInstalled registers fn to run after every topology install
func (n *Node) OnTopologyInstalled(fn func(topologyID int)) {
	n.onInstall = append(n.onInstall, fn)
}

// Start launches the background components and subscribes them to view
// changes. Transactions of departed members are marked before the coordinator
// reacts to the view.
func (n *Node) Start(dispatcher *membership.Dispatcher) {
	n.Coordinator.Start()
	n.Reaper.Start()

	n.dispatcher = dispatcher
	n.subscriptions = append(n.subscriptions,
		dispatcher.Subscribe("transactions", n.Reaper.OnViewChange),
		dispatcher.Subscribe("coordinator", n.Coordinator.OnViewChange),
	)
	n.logger.Info("Node started")
}

// Stop shuts the components down in reverse dependency order
func (n *Node) Stop(timeout time.Duration) error {
	if n.dispatcher != nil {
		for _, sub := range n.subscriptions {
			n.dispatcher.Unsubscribe(sub)
		}
	}

	n.Coordinator.Stop()
	n.Topology.Stop()
	n.Consumer.Stop()
	n.Reaper.Stop()

	if err := n.Provider.Stop(timeout); err != nil {
		n.logger.Warn("Node stopped with errors", zap.Error(err))
		return err
	}
	n.logger.Info("Node stopped")
	return nil
}

// StartStateTransfer implements transport.Server
func (n *Node) StartStateTransfer(ctx context.Context, req *transport.StateRequest) error {
	return n.Provider.StartOutboundTransfer(ctx, req)
}

// CancelStateTransfer implements transport.Server
func (n *Node) CancelStateTransfer(ctx context.Context, req *transport.StateRequest) error {
	n.Provider.CancelOutboundTransfer(req.Sender, req.TopologyID, req.Segments)
	return nil
}

// GetTransactions implements transport.Server
func (n *Node) GetTransactions(ctx context.Context, req *transport.StateRequest) (*transport.TransactionsReply, error) {
	infos, err := n.Provider.GetTransactions(ctx, req)
	if err != nil {
		return nil, err
	}
	return &transport.TransactionsReply{Transactions: infos}, nil
}

// PushState implements transport.Server. It returns once the chunks are applied.
func (n *Node) PushState(ctx context.Context, push *transport.StatePush) error {
	_, err := n.Consumer.ApplyState(ctx, push.Sender, push.TopologyID, push.Chunks).Wait(ctx)
	return err
}

// InstallTopology implements transport.Server
func (n *Node) InstallTopology(ctx context.Context, update *transport.TopologyUpdate) error {
	if err := n.Topology.HandleTopologyUpdate(ctx, update); err != nil {
		return err
	}
	id := n.Topology.CurrentTopologyID()
	for _, fn := range n.onInstall {
		fn(id)
	}
	return nil
}

// ConfirmPhase implements transport.Server
func (n *Node) ConfirmPhase(ctx context.Context, confirm *transport.PhaseConfirm) error {
	return n.Coordinator.ConfirmPhase(ctx, confirm)
}

// GetStatus implements transport.Server
func (n *Node) GetStatus(ctx context.Context, req *transport.StatusRequest) (*transport.NodeStatus, error) {
	return &transport.NodeStatus{
		Address:            n.cfg.Self,
		Topology:           n.Topology.CurrentTopology().Spec(),
		RebalancingEnabled: n.Coordinator.RebalancingEnabled(),
	}, nil
}
