package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
	"github.com/unichain/overlay/types"
)

var (
	// ErrSelfConnection is returned when the remote end is this node.
	ErrSelfConnection = errors.New("connected to self")
	// ErrIncompatibleVersion is returned when the remote end speaks another
	// protocol version.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	// ErrDuplicatePeer is returned when a connection to the peer already
	// exists.
	ErrDuplicatePeer = errors.New("duplicate peer")
	// ErrTooManyPeers is returned when all peer slots are taken.
	ErrTooManyPeers = errors.New("too many peers")
)

// Reactor handles the messages of the channels it is registered for.
// Callbacks run on peer goroutines and must not block for long.
type Reactor interface {
	// AddPeer is called once the peer is connected, before any of its
	// messages are delivered.
	AddPeer(peer *Peer)
	// RemovePeer is called once the peer is gone.
	RemovePeer(peer *Peer, reason ReasonCode)
	// Receive is called for every message on a channel of the reactor.
	Receive(chID ChannelID, peer *Peer, msg []byte)
}

// DialSource provides host:port addresses worth connecting to.
type DialSource interface {
	DialCandidates() []string
}

// SwitchOption sets an optional parameter on the Switch.
type SwitchOption func(*Switch)

// WithDialSource makes the switch fill free peer slots from src.
func WithDialSource(src DialSource) SwitchOption {
	return func(sw *Switch) { sw.dialSource = src }
}

// WithSwitchMetrics sets the metrics.
func WithSwitchMetrics(metrics *Metrics) SwitchOption {
	return func(sw *Switch) { sw.metrics = metrics }
}

// Switch accepts and dials persistent peer connections and routes their
// messages to reactors by channel.
type Switch struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics

	cfg        *config.P2PConfig
	nodeKey    types.NodeKey
	version    int32
	dialSource DialSource

	reactors     map[ChannelID]Reactor
	reactorsList []Reactor

	mtx      sync.Mutex
	listener net.Listener
	peers    map[types.NodeID]*Peer
	dialing  map[string]struct{}
}

// NewSwitch creates a switch for the local node.
func NewSwitch(logger log.Logger, cfg *config.P2PConfig, nodeKey types.NodeKey, version int32, options ...SwitchOption) *Switch {
	sw := &Switch{
		logger:   logger,
		metrics:  NopMetrics(),
		cfg:      cfg,
		nodeKey:  nodeKey,
		version:  version,
		reactors: make(map[ChannelID]Reactor),
		peers:    make(map[types.NodeID]*Peer),
		dialing:  make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(sw)
	}
	sw.BaseService = *service.NewBaseService(logger, "P2P Switch", sw)
	return sw
}

// AddReactor registers r for the given channels. Must be called before
// Start.
func (sw *Switch) AddReactor(r Reactor, channels ...ChannelID) {
	for _, ch := range channels {
		if _, ok := sw.reactors[ch]; ok {
			panic(fmt.Sprintf("channel %d has multiple reactors", ch))
		}
		sw.reactors[ch] = r
	}
	sw.reactorsList = append(sw.reactorsList, r)
}

// OnStart implements service.Service.
func (sw *Switch) OnStart(ctx context.Context) error {
	ln, err := net.Listen("tcp", sw.cfg.ListenAddress)
	if err != nil {
		return err
	}
	sw.mtx.Lock()
	sw.listener = ln
	sw.mtx.Unlock()

	sw.logger.Info("listening for peers", "addr", ln.Addr())

	go sw.acceptRoutine(ctx, ln)
	go sw.dialRoutine(ctx)
	return nil
}

// OnStop implements service.Service.
func (sw *Switch) OnStop() {
	sw.mtx.Lock()
	ln := sw.listener
	peers := make([]*Peer, 0, len(sw.peers))
	for _, p := range sw.peers {
		peers = append(peers, p)
	}
	sw.mtx.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			sw.logger.Error("failed to close listener", "err", err)
		}
	}
	for _, p := range peers {
		p.Disconnect(ReasonRequested)
	}
}

// ListenAddr returns the bound address, or nil before start.
func (sw *Switch) ListenAddr() net.Addr {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	if sw.listener == nil {
		return nil
	}
	return sw.listener.Addr()
}

// Peers returns the connected peers.
func (sw *Switch) Peers() []*Peer {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	peers := make([]*Peer, 0, len(sw.peers))
	for _, p := range sw.peers {
		peers = append(peers, p)
	}
	return peers
}

// Peer returns the connected peer with the given id.
func (sw *Switch) Peer(id types.NodeID) (*Peer, bool) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	p, ok := sw.peers[id]
	return p, ok
}

// NumPeers returns the number of connected peers.
func (sw *Switch) NumPeers() int {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return len(sw.peers)
}

// DialPeer connects to the peer listening on addr.
func (sw *Switch) DialPeer(ctx context.Context, addr string) error {
	sw.mtx.Lock()
	if _, ok := sw.dialing[addr]; ok {
		sw.mtx.Unlock()
		return nil
	}
	for _, p := range sw.peers {
		if p.ListenAddr() == addr {
			sw.mtx.Unlock()
			return nil
		}
	}
	if len(sw.peers) >= sw.cfg.MaxPeers {
		sw.mtx.Unlock()
		return ErrTooManyPeers
	}
	sw.dialing[addr] = struct{}{}
	sw.mtx.Unlock()

	defer func() {
		sw.mtx.Lock()
		delete(sw.dialing, addr)
		sw.mtx.Unlock()
	}()

	dialer := net.Dialer{Timeout: sw.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return sw.addConn(conn, true)
}

func (sw *Switch) acceptRoutine(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			sw.logger.Error("failed to accept connection", "err", err)
			continue
		}

		// handshake in its own goroutine to avoid head-of-line blocking
		go func() {
			if err := sw.addConn(conn, false); err != nil {
				sw.logger.Debug("rejected inbound connection", "addr", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// dialRoutine keeps free peer slots filled from the dial source.
func (sw *Switch) dialRoutine(ctx context.Context) {
	if sw.dialSource == nil {
		return
	}

	ticker := time.NewTicker(sw.cfg.DialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, addr := range sw.dialSource.DialCandidates() {
			if sw.NumPeers() >= sw.cfg.MaxPeers || ctx.Err() != nil {
				break
			}
			if err := sw.DialPeer(ctx, addr); err != nil {
				sw.logger.Debug("failed to dial peer", "addr", addr, "err", err)
			}
		}
	}
}

// addConn runs the handshake on conn and registers the resulting peer.
func (sw *Switch) addConn(conn net.Conn, outbound bool) error {
	enc := cbor.NewEncoder(conn)
	dec := cbor.NewDecoder(conn)

	hello, err := sw.handshake(conn, enc, dec)
	if err != nil {
		_ = conn.Close()
		return err
	}

	reject := func(reason ReasonCode, err error) error {
		_ = conn.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
		_ = enc.Encode(packet{Disconnect: reason})
		_ = conn.Close()
		sw.metrics.Disconnects.With("reason", reason.String()).Add(1)
		return err
	}

	switch {
	case hello.ID == sw.nodeKey.ID:
		return reject(ReasonDuplicatePeer, ErrSelfConnection)
	case hello.Version != sw.version:
		return reject(ReasonIncompatibleVersion,
			fmt.Errorf("%w: %d, want %d", ErrIncompatibleVersion, hello.Version, sw.version))
	}

	peer := newPeer(sw.logger, sw.metrics, conn, enc, dec, hello, outbound, sw.cfg.SendQueueSize)
	peer.onReceive = sw.receive
	peer.onStop = sw.removePeer

	sw.mtx.Lock()
	if _, ok := sw.peers[hello.ID]; ok {
		sw.mtx.Unlock()
		return reject(ReasonDuplicatePeer, ErrDuplicatePeer)
	}
	if len(sw.peers) >= sw.cfg.MaxPeers {
		sw.mtx.Unlock()
		return reject(ReasonTooManyPeers, ErrTooManyPeers)
	}
	sw.peers[hello.ID] = peer
	sw.metrics.Peers.Set(float64(len(sw.peers)))
	sw.mtx.Unlock()

	sw.logger.Info("added peer", "peer", peer)
	for _, r := range sw.reactorsList {
		r.AddPeer(peer)
	}
	peer.start()
	return nil
}

func (sw *Switch) handshake(conn net.Conn, enc *cbor.Encoder, dec *cbor.Decoder) (Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(sw.cfg.HandshakeTimeout)); err != nil {
		return Hello{}, err
	}

	ours := Hello{ID: sw.nodeKey.ID, Version: sw.version, ListenPort: sw.listenPort()}
	errCh := make(chan error, 1)
	go func() { errCh <- enc.Encode(ours) }()

	var theirs Hello
	if err := dec.Decode(&theirs); err != nil {
		return Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	if err := <-errCh; err != nil {
		return Hello{}, fmt.Errorf("writing hello: %w", err)
	}
	if theirs.ID.IsZero() {
		return Hello{}, errors.New("peer sent empty node id")
	}

	return theirs, conn.SetDeadline(time.Time{})
}

func (sw *Switch) listenPort() int {
	if addr, ok := sw.ListenAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (sw *Switch) receive(peer *Peer, ch ChannelID, msg []byte) {
	r, ok := sw.reactors[ch]
	if !ok {
		sw.logger.Debug("message on unknown channel", "peer", peer, "channel", ch)
		peer.Disconnect(ReasonBadProtocol)
		return
	}
	r.Receive(ch, peer, msg)
}

func (sw *Switch) removePeer(peer *Peer, reason ReasonCode) {
	sw.mtx.Lock()
	if cur, ok := sw.peers[peer.ID()]; !ok || cur != peer {
		sw.mtx.Unlock()
		return
	}
	delete(sw.peers, peer.ID())
	sw.metrics.Peers.Set(float64(len(sw.peers)))
	sw.mtx.Unlock()

	for _, r := range sw.reactorsList {
		r.RemovePeer(peer, reason)
	}
}
