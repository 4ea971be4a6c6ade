package discover

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
	"github.com/unichain/overlay/types"
)

// Transport delivers discovery datagrams. Send must not block and must never
// call back into the Manager.
type Transport interface {
	Send(to *net.UDPAddr, msg Message)
	Receive() <-chan InboundMessage
}

// InboundMessage is a decoded datagram together with its observed sender.
type InboundMessage struct {
	From    *net.UDPAddr
	Message Message
}

// ManagerOption sets an optional parameter on the Manager.
type ManagerOption func(*Manager)

// WithScheduler replaces the timer used for ping timeouts.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.scheduler = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNodeDB persists live nodes in db and reloads them on start.
func WithNodeDB(db dbm.DB) ManagerOption {
	return func(m *Manager) { m.db = newNodeDB(db) }
}

// Manager owns one Handler per remote endpoint and routes datagrams to them.
// All handler state is guarded by a single lock, so exactly one handler
// mutates at a time and handlers may call into each other freely.
type Manager struct {
	service.BaseService
	logger log.Logger

	cfg            *config.DiscoveryConfig
	self           *Node
	networkVersion int32
	table          *Table
	transport      Transport
	scheduler      Scheduler
	db             *nodeDB
	metrics        *Metrics
	now            func() time.Time

	mtx       sync.Mutex
	handlers  map[string]*Handler
	residents map[types.NodeID]*Handler // table owner per node id
	waiting   []string                  // Alive handlers whose bucket was already under challenge
	bootnodes []*Node
	lastSeq   int64
}

// NewManager creates the node registry for self, which is the endpoint
// advertised to other nodes.
func NewManager(
	logger log.Logger,
	cfg *config.DiscoveryConfig,
	self *Node,
	networkVersion int32,
	transport Transport,
	options ...ManagerOption,
) (*Manager, error) {
	if self.ID.IsZero() {
		return nil, fmt.Errorf("local node has no id")
	}

	m := &Manager{
		logger:         logger,
		cfg:            cfg,
		self:           self.Copy(),
		networkVersion: networkVersion,
		table:          NewTable(self, cfg.BucketSize),
		transport:      transport,
		metrics:        NopMetrics(),
		now:            time.Now,
		handlers:       make(map[string]*Handler),
		residents:      make(map[types.NodeID]*Handler),
	}
	m.self.Version = networkVersion
	for _, opt := range options {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = newTimerScheduler()
	}

	for _, addr := range cfg.BootnodeList() {
		n, err := ParseBootNode(addr)
		if err != nil {
			return nil, err
		}
		if n.Key() == m.self.Key() {
			continue
		}
		m.bootnodes = append(m.bootnodes, n)
	}

	m.BaseService = *service.NewBaseService(logger, "Discovery", m)
	return m, nil
}

// OnStart implements service.Service. Persisted and bootstrap nodes are
// pinged, then inbound datagrams and lookup rounds are processed until ctx
// is done.
func (m *Manager) OnStart(ctx context.Context) error {
	if m.db != nil {
		records, err := m.db.load()
		if err != nil {
			return fmt.Errorf("loading nodes: %w", err)
		}
		m.mtx.Lock()
		for _, rec := range records {
			if h := m.handlerFor(rec.Node, nil); h != nil {
				h.stats.LastPongReply = rec.LastPong
			}
		}
		m.mtx.Unlock()
		m.logger.Info("loaded nodes from database", "count", len(records))
	}

	m.mtx.Lock()
	for _, n := range m.bootnodes {
		m.handlerFor(n, nil)
	}
	m.mtx.Unlock()

	go m.receiveRoutine(ctx)
	go m.lookupRoutine(ctx)
	if m.db != nil && m.cfg.PersistInterval > 0 {
		go m.persistRoutine(ctx)
	}
	return nil
}

// OnStop implements service.Service.
func (m *Manager) OnStop() {
	if s, ok := m.scheduler.(interface{ Stop() }); ok {
		s.Stop()
	}
	if m.db != nil {
		if err := m.persist(); err != nil {
			m.logger.Error("failed to persist nodes", "err", err)
		}
	}
}

// Self returns the advertised local node.
func (m *Manager) Self() *Node { return m.self.Copy() }

// Table returns the routing table.
func (m *Manager) Table() *Table { return m.table }

// NodeState returns the state of the handler for the endpoint of n.
func (m *Manager) NodeState(n *Node) (State, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	h, ok := m.handlers[n.Key()]
	if !ok {
		return 0, false
	}
	return h.state, true
}

// NodeStatistics returns a snapshot of the traffic statistics of n.
func (m *Manager) NodeStatistics(n *Node) (Statistics, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	h, ok := m.handlers[n.Key()]
	if !ok {
		return Statistics{}, false
	}
	return h.stats.copy(), true
}

// ConnectableNodes returns the live nodes a persistent connection can be made
// to, most recently answering first.
func (m *Manager) ConnectableNodes() []*Node {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var handlers []*Handler
	for _, h := range m.handlers {
		if h.node.IsDiscoveryOnly() || !h.node.IsConnectible(m.networkVersion) {
			continue
		}
		if h.state == Active || h.state == Alive || h.state == EvictCandidate {
			handlers = append(handlers, h)
		}
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].stats.LastPongReply.After(handlers[j].stats.LastPongReply)
	})

	nodes := make([]*Node, len(handlers))
	for i, h := range handlers {
		nodes[i] = h.node.Copy()
	}
	return nodes
}

// handlerFor resolves or creates the handler for the endpoint of n. A
// placeholder node is upgraded once the real node for its endpoint is known.
// Returns nil for the local node. The caller must hold m.mtx.
func (m *Manager) handlerFor(n *Node, source *Node) *Handler {
	if n.Key() == m.self.Key() || (!n.ID.IsZero() && n.ID == m.self.ID) {
		return nil
	}

	key := n.Key()
	if h, ok := m.handlers[key]; ok {
		if h.node.IsDiscoveryOnly() && !n.IsDiscoveryOnly() {
			h.node = n.Copy()
		}
		return h
	}

	h := newHandler(m, n.Copy(), source)
	m.handlers[key] = h
	h.changeState(Discovered)
	return h
}

// awaitAdmission queues h until the running challenge of its bucket
// resolves. The caller must hold m.mtx.
func (m *Manager) awaitAdmission(h *Handler) {
	for _, key := range m.waiting {
		if key == h.key {
			return
		}
	}
	m.waiting = append(m.waiting, h.key)
}

// retryAdmissions asks the table again for every queued handler that is
// still Alive. The caller must hold m.mtx.
func (m *Manager) retryAdmissions() {
	waiting := m.waiting
	m.waiting = nil
	for _, key := range waiting {
		if h, ok := m.handlers[key]; ok && h.state == Alive {
			h.changeState(Alive)
		}
	}
}

// nextSequence returns a strictly increasing millisecond timestamp used as
// correlation nonce. The caller must hold m.mtx.
func (m *Manager) nextSequence() int64 {
	seq := m.now().UnixMilli()
	if seq <= m.lastSeq {
		seq = m.lastSeq + 1
	}
	m.lastSeq = seq
	return seq
}

func (m *Manager) handleInbound(in InboundMessage) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	msg := in.Message
	from := msg.Sender()

	m.metrics.MessagesReceived.With("type", msg.Type().String()).Add(1)

	var source *Node
	if msg.Type() == PingType {
		source = from
	}
	h := m.handlerFor(NodeFromAddr(from.ID, in.From, 0), source)
	if h == nil {
		return
	}
	h.stats.Received[msg.Type()]++

	switch msg := msg.(type) {
	case *Ping:
		h.handlePing(msg)
	case *Pong:
		h.handlePong(msg)
	case *FindNode:
		h.handleFindNode(msg)
	case *Neighbors:
		h.handleNeighbors(msg)
	}
}

// lookup asks the nodes closest to a random target for their neighbors,
// falling back to the bootnodes while the table is empty.
func (m *Manager) lookup() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var target types.NodeID
	if _, err := rand.Read(target[:]); err != nil {
		m.logger.Error("failed to generate lookup target", "err", err)
		return
	}

	asked := 0
	for _, n := range m.table.Closest(target) {
		if asked >= m.cfg.LookupFanout {
			break
		}
		if h, ok := m.handlers[n.Key()]; ok {
			h.sendFindNode(target)
			asked++
		}
	}
	if asked == 0 {
		for _, n := range m.bootnodes {
			if h := m.handlerFor(n, nil); h != nil {
				h.sendFindNode(target)
			}
		}
	}

	m.updateGauges()
}

func (m *Manager) updateGauges() {
	counts := make(map[State]int)
	for _, h := range m.handlers {
		counts[h.state]++
	}
	for s := Discovered; s <= NonActive; s++ {
		m.metrics.Nodes.With("state", s.String()).Set(float64(counts[s]))
	}
	m.metrics.TableSize.Set(float64(m.table.Len()))
}

// persist saves every live node.
func (m *Manager) persist() error {
	m.mtx.Lock()
	var records []nodeRecord
	for _, h := range m.handlers {
		if h.node.IsDiscoveryOnly() {
			continue
		}
		if h.state == Active || h.state == Alive {
			records = append(records, nodeRecord{
				Node:     h.node.Copy(),
				State:    h.state,
				LastPong: h.stats.LastPongReply,
			})
		}
	}
	m.mtx.Unlock()

	return m.db.replace(records)
}

func (m *Manager) receiveRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-m.transport.Receive():
			if !ok {
				return
			}
			m.handleInbound(in)
		}
	}
}

func (m *Manager) lookupRoutine(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DiscoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runRecovered("lookup", m.lookup)
		}
	}
}

func (m *Manager) persistRoutine(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runRecovered("persist", func() {
				if err := m.persist(); err != nil {
					m.logger.Error("failed to persist nodes", "err", err)
				}
			})
		}
	}
}

func (m *Manager) runRecovered(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovered from panic", "task", task, "panic", r)
		}
	}()
	fn()
}
