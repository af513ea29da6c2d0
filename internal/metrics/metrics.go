package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry metrics
	AgentsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_agents_registered_total",
			Help: "Total agent registrations",
		},
		[]string{"identity"}, // "new" or "reused"
	)

	AgentsDeregistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_agents_deregistered_total",
			Help: "Total agent deregistrations",
		},
	)

	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_heartbeat_failures_total",
			Help: "Heartbeat writes that failed",
		},
	)

	// Inbox metrics
	InboxSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_inbox_messages_sent_total",
			Help: "Direct messages published",
		},
		[]string{"message_type"},
	)

	InboxRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_inbox_messages_read_total",
			Help: "Direct messages returned to readers",
		},
	)

	InboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_inbox_messages_dropped_total",
			Help: "Unparseable direct messages acked and dropped",
		},
	)

	ChannelBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_channel_broadcasts_total",
			Help: "Messages broadcast to channels",
		},
		[]string{"channel"},
	)

	// Work queue metrics
	WorkPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_work_published_total",
			Help: "Work items published",
		},
		[]string{"capability"},
	)

	WorkClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_work_claimed_total",
			Help: "Work items claimed or delivered to a handler",
		},
		[]string{"capability"},
	)

	WorkDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_work_dead_lettered_total",
			Help: "Work items moved to the dead letter queue",
		},
		[]string{"capability"},
	)

	DeadLetterActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_dead_letter_actions_total",
			Help: "Dead letter retries and discards",
		},
		[]string{"action"}, // "retry" or "discard"
	)

	BrokerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaywork_broker_op_seconds",
			Help:    "Broker operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, 1},
		},
		[]string{"op"},
	)

	// Coordinator metrics
	AssignmentsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_assignments_submitted_total",
			Help: "Work submitted through the coordinator",
		},
	)

	AssignmentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_assignments_finished_total",
			Help: "Coordinator assignments reaching a terminal status",
		},
		[]string{"status"},
	)

	AssignmentTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywork_assignment_timeouts_total",
			Help: "Assignment timers that fired",
		},
	)

	// Tool host metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywork_tool_calls_total",
			Help: "Tool invocations",
		},
		[]string{"tool", "outcome"},
	)
)
