package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Swarm state
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voidlux_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voidlux_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_peers_connected",
			Help: "Number of connected mesh peers",
		},
	)

	IsEmperor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_is_emperor",
			Help: "Whether this node is the elected emperor (1 = emperor)",
		},
	)

	// Gossip
	GossipMessagesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voidlux_gossip_messages_in_total",
			Help: "Gossip messages received by type",
		},
		[]string{"type"},
	)

	GossipMessagesOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_gossip_messages_out_total",
			Help: "Gossip messages broadcast",
		},
	)

	GossipDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_gossip_duplicates_total",
			Help: "Gossip messages dropped by the seen-set",
		},
	)

	AntiEntropyRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_anti_entropy_rounds_total",
			Help: "Completed anti-entropy pull rounds",
		},
	)

	// Queue / dispatch
	DispatchCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_dispatch_cycles_total",
			Help: "Dispatcher wakeups",
		},
	)

	CASConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_cas_conflicts_total",
			Help: "Task transitions rejected by compare-and-swap",
		},
	)

	MergeAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_merge_attempts_total",
			Help: "Integration merge attempts",
		},
	)

	// Broker
	BrokerQueueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_broker_queue_drops_total",
			Help: "Broker messages dropped because a per-target queue was full",
		},
	)

	BountiesPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_bounties_posted_total",
			Help: "Bounties posted by the overflow delegator",
		},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		TasksTotal,
		AgentsTotal,
		PeersConnected,
		IsEmperor,
		GossipMessagesIn,
		GossipMessagesOut,
		GossipDuplicates,
		AntiEntropyRounds,
		DispatchCycles,
		CASConflicts,
		MergeAttempts,
		BrokerQueueDrops,
		BountiesPosted,
	)
}

// StartServer starts the metrics HTTP server on the given address
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
