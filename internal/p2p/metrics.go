package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "p2p"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers.
	Peers metrics.Gauge
	// Number of messages received from peers, labeled by channel.
	MessagesReceived metrics.Counter
	// Number of messages sent to peers, labeled by channel.
	MessagesSent metrics.Counter
	// Number of messages dropped on a full send queue.
	MessagesDropped metrics.Counter
	// Number of disconnects, labeled by reason.
	Disconnects metrics.Counter
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
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers.",
		}, labels).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of messages received from peers by channel.",
		}, append(labels[:len(labels):len(labels)], "channel")).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of messages sent to peers by channel.",
		}, append(labels[:len(labels):len(labels)], "channel")).With(labelsAndValues...),
		MessagesDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_dropped",
			Help:      "Number of messages dropped on a full send queue.",
		}, labels).With(labelsAndValues...),
		Disconnects: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "disconnects",
			Help:      "Number of peer disconnects by reason.",
		}, append(labels[:len(labels):len(labels)], "reason")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:            discard.NewGauge(),
		MessagesReceived: discard.NewCounter(),
		MessagesSent:     discard.NewCounter(),
		MessagesDropped:  discard.NewCounter(),
		Disconnects:      discard.NewCounter(),
	}
}
