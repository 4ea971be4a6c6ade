package discover

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "discovery"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of known nodes, labeled by state.
	Nodes metrics.Gauge
	// Number of nodes resident in the routing table.
	TableSize metrics.Gauge
	// State transitions, labeled by target state.
	StateTransitions metrics.Counter
	// Datagrams sent and received, labeled by message type.
	MessagesSent     metrics.Counter
	MessagesReceived metrics.Counter
	// Datagrams dropped because a queue was full, labeled by direction.
	MessagesDropped metrics.Counter
	// Pings that went unanswered.
	PingTimeouts metrics.Counter
	// Ping round trip time in seconds.
	PongLatency metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Nodes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "nodes",
			Help:      "Number of known nodes by state.",
		}, withLabel(labels, "state")).With(labelsAndValues...),
		TableSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "table_size",
			Help:      "Number of nodes in the routing table.",
		}, labels).With(labelsAndValues...),
		StateTransitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state_transitions",
			Help:      "Number of node state transitions by target state.",
		}, withLabel(labels, "to")).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of discovery messages sent by type.",
		}, withLabel(labels, "type")).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of discovery messages received by type.",
		}, withLabel(labels, "type")).With(labelsAndValues...),
		MessagesDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_dropped",
			Help:      "Number of datagrams dropped on a full queue by direction.",
		}, withLabel(labels, "direction")).With(labelsAndValues...),
		PingTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ping_timeouts",
			Help:      "Number of pings that were not answered in time.",
		}, labels).With(labelsAndValues...),
		PongLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pong_latency",
			Help:      "Ping round trip time in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.005, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Nodes:            discard.NewGauge(),
		TableSize:        discard.NewGauge(),
		StateTransitions: discard.NewCounter(),
		MessagesSent:     discard.NewCounter(),
		MessagesReceived: discard.NewCounter(),
		MessagesDropped:  discard.NewCounter(),
		PingTimeouts:     discard.NewCounter(),
		PongLatency:      discard.NewHistogram(),
	}
}

func withLabel(labels []string, label string) []string {
	return append(append(make([]string, 0, len(labels)+1), labels...), label)
}
