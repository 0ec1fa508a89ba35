package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "statetransfer"
)

// Metrics holds all Prometheus metrics for rebalancing and state transfer
type Metrics struct {
	// Topology metrics
	TopologyID        prometheus.Gauge
	RebalancePhase    prometheus.Gauge
	ClusterMembers    prometheus.Gauge
	RebalancesTotal   prometheus.Counter
	RestartsTotal     prometheus.Counter
	AbandonedTotal    prometheus.Counter
	PhaseDuration     *prometheus.HistogramVec
	ConfirmTimeouts   prometheus.Counter
	StaleTopologyMsgs *prometheus.CounterVec

	// Outbound transfer metrics
	OutboundTasksActive prometheus.Gauge
	ChunksSentTotal     prometheus.Counter
	EntriesSentTotal    prometheus.Counter
	BatchesSentTotal    prometheus.Counter

	// Inbound transfer metrics
	InboundTransfersInflight prometheus.Gauge
	ChunksAppliedTotal       prometheus.Counter
	EntriesAppliedTotal      prometheus.Counter
	EntriesDiscardedTotal    *prometheus.CounterVec
	SegmentsReceivedTotal    prometheus.Counter
	TransferFailuresTotal    *prometheus.CounterVec

	// Transaction metrics
	RemoteTransactions      prometheus.Gauge
	OrphanTransactionsTotal prometheus.Counter
	BarrierTimeoutsTotal    *prometheus.CounterVec
	TransactionRetriesTotal prometheus.Counter
	TransactionsMigrated    prometheus.Counter
	LockConflictsTotal      *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		TopologyID: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "topology_id",
			Help:        "Id of the locally installed cache topology",
			ConstLabels: labels,
		}),
		RebalancePhase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rebalance_phase",
			Help:        "Rebalance phase of the installed topology (0 = no rebalance)",
			ConstLabels: labels,
		}),
		ClusterMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cluster_members",
			Help:        "Members in the latest view",
			ConstLabels: labels,
		}),
		RebalancesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rebalances_total",
			Help:        "Rebalances started by this coordinator",
			ConstLabels: labels,
		}),
		RestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rebalance_restarts_total",
			Help:        "Rebalances superseded by a membership change or timeout",
			ConstLabels: labels,
		}),
		AbandonedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rebalances_abandoned_total",
			Help:        "Rebalances abandoned after exceeding the restart bound",
			ConstLabels: labels,
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "phase_duration_seconds",
			Help:        "Time spent in each rebalance phase",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"phase"}),
		ConfirmTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "confirm_timeouts_total",
			Help:        "Phases that timed out waiting for member confirmations",
			ConstLabels: labels,
		}),
		StaleTopologyMsgs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "stale_topology_messages_total",
			Help:        "Messages dropped because they carried an outdated topology id",
			ConstLabels: labels,
		}, []string{"kind"}),
		OutboundTasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "outbound_tasks_active",
			Help:        "Outbound transfer tasks currently running",
			ConstLabels: labels,
		}),
		ChunksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "chunks_sent_total",
			Help:        "State chunks sent to new owners",
			ConstLabels: labels,
		}),
		EntriesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "entries_sent_total",
			Help:        "Entries sent to new owners",
			ConstLabels: labels,
		}),
		BatchesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "batches_sent_total",
			Help:        "State push RPCs issued by outbound tasks",
			ConstLabels: labels,
		}),
		InboundTransfersInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "inbound_transfers_inflight",
			Help:        "Inbound transfers waiting for data",
			ConstLabels: labels,
		}),
		ChunksAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "chunks_applied_total",
			Help:        "State chunks applied locally",
			ConstLabels: labels,
		}),
		EntriesAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "entries_applied_total",
			Help:        "Transferred entries written to the local container",
			ConstLabels: labels,
		}),
		EntriesDiscardedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "entries_discarded_total",
			Help:        "Transferred entries dropped on apply",
			ConstLabels: labels,
		}, []string{"reason"}),
		SegmentsReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "segments_received_total",
			Help:        "Segments fully received",
			ConstLabels: labels,
		}),
		TransferFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "transfer_failures_total",
			Help:        "Failed transfer operations",
			ConstLabels: labels,
		}, []string{"direction", "reason"}),
		RemoteTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "remote_transactions",
			Help:        "Remote transactions known to this node",
			ConstLabels: labels,
		}),
		OrphanTransactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "orphan_transactions_cleaned_total",
			Help:        "Orphan transactions rolled back by the reaper",
			ConstLabels: labels,
		}),
		BarrierTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "barrier_timeouts_total",
			Help:        "Waits on the state transfer lock that timed out",
			ConstLabels: labels,
		}, []string{"barrier"}),
		TransactionRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "transaction_retries_total",
			Help:        "Transactions retried after a topology change",
			ConstLabels: labels,
		}),
		TransactionsMigrated: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "transactions_migrated_total",
			Help:        "Remote transactions received from previous owners",
			ConstLabels: labels,
		}),
		LockConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "lock_conflicts_total",
			Help:        "Transferred locks that found the key held by another transaction",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

// NewTestMetrics creates metrics backed by a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}
