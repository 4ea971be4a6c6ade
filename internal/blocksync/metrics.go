package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers we sync from.
	SyncingPeers metrics.Gauge
	// Number of block ids with an outstanding fetch.
	PendingFetches metrics.Gauge
	// Number of received blocks waiting to be applied.
	StagedBlocks metrics.Gauge
	// Blocks requested from peers.
	BlocksRequested metrics.Counter
	// Blocks applied to the chain.
	BlocksApplied metrics.Counter
	// Blocks the chain rejected.
	BlocksRejected metrics.Counter
	// Chain summaries sent.
	SummariesSent metrics.Counter
	// Peers disconnected by the syncer, labeled by reason.
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
		SyncingPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing_peers",
			Help:      "Number of peers we sync from.",
		}, labels).With(labelsAndValues...),
		PendingFetches: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_fetches",
			Help:      "Number of block ids with an outstanding fetch.",
		}, labels).With(labelsAndValues...),
		StagedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "staged_blocks",
			Help:      "Number of received blocks waiting to be applied.",
		}, labels).With(labelsAndValues...),
		BlocksRequested: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_requested",
			Help:      "Number of blocks requested from peers.",
		}, labels).With(labelsAndValues...),
		BlocksApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_applied",
			Help:      "Number of synced blocks applied to the chain.",
		}, labels).With(labelsAndValues...),
		BlocksRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_rejected",
			Help:      "Number of synced blocks the chain rejected.",
		}, labels).With(labelsAndValues...),
		SummariesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "summaries_sent",
			Help:      "Number of chain summaries sent.",
		}, labels).With(labelsAndValues...),
		Disconnects: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "disconnects",
			Help:      "Number of peers disconnected by the syncer by reason.",
		}, append(labels[:len(labels):len(labels)], "reason")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		SyncingPeers:    discard.NewGauge(),
		PendingFetches:  discard.NewGauge(),
		StagedBlocks:    discard.NewGauge(),
		BlocksRequested: discard.NewCounter(),
		BlocksApplied:   discard.NewCounter(),
		BlocksRejected:  discard.NewCounter(),
		SummariesSent:   discard.NewCounter(),
		Disconnects:     discard.NewCounter(),
	}
}
