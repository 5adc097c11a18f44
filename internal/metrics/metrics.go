// ABOUTME: Prometheus metrics for the routing core.
// ABOUTME: Package-level collectors registered on the default registry.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsOnline tracks how many agents are currently registered.
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_agents_online",
		Help: "Number of agents currently registered on the chat panel.",
	})

	// QueueDepth tracks the size of the waiting list.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_queue_depth",
		Help: "Number of users currently on the waiting list.",
	})

	// AssignmentsTotal counts chats assigned to an agent, labeled by how
	// the assignment happened.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_assignments_total",
		Help: "Chats assigned to an agent.",
	}, []string{"source"})

	// TransfersTotal counts conversation handoffs.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_transfers_total",
		Help: "Conversations handed off between agents.",
	}, []string{"kind"})

	// ChatsEndedTotal counts closed conversations.
	ChatsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_chats_ended_total",
		Help: "Conversations closed.",
	}, []string{"by"})

	// MessagesTotal counts relayed chat messages.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_total",
		Help: "Chat messages relayed through the gateway.",
	}, []string{"direction"})

	// EventsDroppedTotal counts events discarded because a connection's
	// buffer was full.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livechat_events_dropped_total",
		Help: "Events dropped for slow connections.",
	})
)

// Assignment sources.
const (
	SourceDirect = "direct"
	SourceQueue  = "queue"
	SourceManual = "manual"
)

// Transfer kinds.
const (
	KindTransfer = "transfer"
	KindTakeover = "takeover"
)
