package node

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/internal/blocksync"
	"github.com/unichain/overlay/internal/fork"
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/internal/p2p/discover"
	"github.com/unichain/overlay/types"
)

// metrics holds the metrics of every subsystem.
type metrics struct {
	discovery *discover.Metrics
	p2p       *p2p.Metrics
	blocksync *blocksync.Metrics
}

// metricsProvider returns the metrics of every subsystem.
type metricsProvider func() *metrics

// defaultMetricsProvider returns Prometheus metrics if enabled in cfg, and
// no-op metrics otherwise.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func() *metrics {
		if cfg.Prometheus {
			return &metrics{
				discovery: discover.PrometheusMetrics(cfg.Namespace),
				p2p:       p2p.PrometheusMetrics(cfg.Namespace),
				blocksync: blocksync.PrometheusMetrics(cfg.Namespace),
			}
		}
		return &metrics{
			discovery: discover.NopMetrics(),
			p2p:       p2p.NopMetrics(),
			blocksync: blocksync.NopMetrics(),
		}
	}
}

// advertisedNode is the discovery endpoint we announce: the configured
// external address, or else the bound listen address.
func advertisedNode(cfg *config.DiscoveryConfig, id types.NodeID, bound *net.UDPAddr) (*discover.Node, error) {
	if cfg.ExternalAddress == "" {
		return discover.NodeFromAddr(id, bound, 0), nil
	}

	host, portStr, err := net.SplitHostPort(cfg.ExternalAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid external address %q: %w", cfg.ExternalAddress, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("external address %q is not an IP", cfg.ExternalAddress)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid external port %q: %w", portStr, err)
	}
	return discover.NewNode(id, ip, port, 0), nil
}

// versionChecker rejects blocks declaring an outdated protocol version.
type versionChecker interface {
	CheckVersion(block *types.Block) error
}

// blockValidator rejects blocks that no scheduled witness produced or that
// declare a version below an adopted one. An empty schedule accepts any
// producer.
func blockValidator(schedule fork.StaticSchedule, versions versionChecker) func(*types.Block) error {
	return func(block *types.Block) error {
		if len(block.WitnessAddress()) == 0 {
			return errors.New("block has no witness")
		}
		if versions != nil {
			if err := versions.CheckVersion(block); err != nil {
				return err
			}
		}
		if len(schedule) == 0 {
			return nil
		}
		for _, w := range schedule {
			if bytes.Equal(w, block.WitnessAddress()) {
				return nil
			}
		}
		return fmt.Errorf("unscheduled witness %X", block.WitnessAddress())
	}
}

// dialSource offers the persistent peers first, then the live nodes found
// by discovery. Discovered nodes are dialed on their discovery port.
type dialSource struct {
	persistent []string
	discovery  func() *discover.Manager
}

func (s *dialSource) DialCandidates() []string {
	candidates := append([]string(nil), s.persistent...)
	m := s.discovery()
	if m == nil {
		return candidates
	}
	for _, n := range m.ConnectableNodes() {
		candidates = append(candidates, n.Key())
	}
	return candidates
}
