package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/internal/blocksync"
	"github.com/unichain/overlay/internal/fork"
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/internal/p2p/discover"
	"github.com/unichain/overlay/internal/store"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
	"github.com/unichain/overlay/types"
)

// Node is the highest level interface to a full node. It includes the
// discovery service, the peer switch, the chain and the block syncer.
type Node struct {
	service.BaseService
	logger log.Logger

	config     *config.Config
	dbProvider config.DBProvider
	nodeKey    types.NodeKey
	metrics    *metrics

	transport *discover.UDPTransport
	discovery atomic.Pointer[discover.Manager]
	sw        *p2p.Switch

	blockStore  *store.BlockStore
	forkCtrl    *fork.Controller
	syncReactor *blocksync.Reactor

	prometheusSrv *http.Server
	dbs           []dbm.DB
}

// New returns a Node for cfg using the default DB provider.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	return makeNode(cfg, logger, config.DefaultDBProvider, defaultMetricsProvider(cfg.Instrumentation))
}

func makeNode(
	cfg *config.Config,
	logger log.Logger,
	dbProvider config.DBProvider,
	metricsProvider metricsProvider,
) (_ *Node, err error) {
	n := &Node{
		logger:     logger,
		config:     cfg,
		dbProvider: dbProvider,
		metrics:    metricsProvider(),
	}
	defer func() {
		if err != nil {
			n.closeDBs()
		}
	}()

	if n.nodeKey, err = types.LoadOrGenNodeKey(cfg.NodeKeyFile()); err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", cfg.NodeKeyFile(), err)
	}

	forkDB, err := n.openDB("forkstats")
	if err != nil {
		return nil, err
	}
	schedule, err := fork.ParseSchedule(cfg.Fork.Witnesses)
	if err != nil {
		return nil, fmt.Errorf("invalid witness schedule: %w", err)
	}
	n.forkCtrl = fork.NewController(logger.With("module", "fork"), fork.NewStatsStore(forkDB), schedule, cfg.Fork.Versions)
	if _, err := n.forkCtrl.SyncSchedule(); err != nil {
		return nil, fmt.Errorf("checking witness schedule: %w", err)
	}

	blockDB, err := n.openDB("blockstore")
	if err != nil {
		return nil, err
	}
	n.blockStore, err = store.NewBlockStore(blockDB, types.NewGenesisBlock(cfg.GenesisTimestamp),
		store.WithHeadObserver(n.forkCtrl),
		store.WithValidator(blockValidator(schedule, n.forkCtrl)),
		store.WithSolidifiedDepth(cfg.Sync.SolidifiedDepth),
	)
	if err != nil {
		return nil, fmt.Errorf("opening block store: %w", err)
	}

	syncer, err := blocksync.NewSyncer(logger.With("module", "blocksync"), cfg.Sync, n.blockStore,
		blocksync.WithMetrics(n.metrics.blocksync))
	if err != nil {
		return nil, err
	}
	n.syncReactor = blocksync.NewReactor(logger.With("module", "blocksync"), syncer)

	src := &dialSource{persistent: cfg.P2P.PersistentPeerList(), discovery: n.discovery.Load}
	n.sw = p2p.NewSwitch(logger.With("module", "p2p"), cfg.P2P, n.nodeKey, cfg.NetworkVersion,
		p2p.WithDialSource(src), p2p.WithSwitchMetrics(n.metrics.p2p))
	n.sw.AddReactor(n.syncReactor, blocksync.BlockSyncChannel)

	if cfg.Discovery.Enable {
		n.transport = discover.NewUDPTransport(logger.With("module", "discovery"),
			cfg.Discovery.ListenAddress, cfg.Discovery.QueueSize, n.metrics.discovery)
	}

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts discovery, then block sync and the switch.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if n.transport != nil {
		if err := n.startDiscovery(ctx); err != nil {
			return err
		}
	}

	if err := n.syncReactor.Start(ctx); err != nil {
		return err
	}
	if err := n.sw.Start(ctx); err != nil {
		return err
	}

	n.logger.Info("started node",
		"id", n.nodeKey.ID.ShortString(),
		"p2p", n.sw.ListenAddr(),
		"head", n.blockStore.HeadBlockID(),
	)
	return nil
}

func (n *Node) startDiscovery(ctx context.Context) error {
	if err := n.transport.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery transport: %w", err)
	}
	self, err := advertisedNode(n.config.Discovery, n.nodeKey.ID, n.transport.LocalAddr())
	if err != nil {
		return err
	}

	nodeDB, err := n.openDB("nodes")
	if err != nil {
		return err
	}
	mgr, err := discover.NewManager(n.logger.With("module", "discovery"), n.config.Discovery,
		self, n.config.NetworkVersion, n.transport,
		discover.WithMetrics(n.metrics.discovery), discover.WithNodeDB(nodeDB))
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	n.discovery.Store(mgr)
	return nil
}

func (n *Node) openDB(id string) (dbm.DB, error) {
	db, err := n.dbProvider(&config.DBContext{ID: id, Config: n.config})
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", id, err)
	}
	n.dbs = append(n.dbs, db)
	return db, nil
}

// OnStop stops all services and closes the databases.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")

	stop := func(s service.Service) {
		if err := s.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) && !errors.Is(err, service.ErrNotStarted) {
			n.logger.Error("failed to stop service", "service", s, "err", err)
		}
	}

	stop(n.sw)
	stop(n.syncReactor)
	if mgr := n.discovery.Load(); mgr != nil {
		stop(mgr)
	}
	if n.transport != nil {
		stop(n.transport)
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus HTTP server Shutdown", "err", err)
		}
	}
	n.closeDBs()
}

func (n *Node) closeDBs() {
	for _, db := range n.dbs {
		if err := db.Close(); err != nil {
			n.logger.Error("error closing db", "err", err)
		}
	}
	n.dbs = nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// NodeKey returns the node's identity key.
func (n *Node) NodeKey() types.NodeKey { return n.nodeKey }

// Switch returns the peer switch.
func (n *Node) Switch() *p2p.Switch { return n.sw }

// BlockStore returns the local chain.
func (n *Node) BlockStore() *store.BlockStore { return n.blockStore }

// ForkController returns the version adoption tracker.
func (n *Node) ForkController() *fork.Controller { return n.forkCtrl }

// Syncer returns the block syncer.
func (n *Node) Syncer() *blocksync.Syncer { return n.syncReactor.Syncer() }

// Discovery returns the discovery manager, or nil before start or when
// discovery is disabled.
func (n *Node) Discovery() *discover.Manager { return n.discovery.Load() }
