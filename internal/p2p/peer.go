package p2p

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/types"
)

// disconnectWriteTimeout bounds the write of the disconnect notice.
const disconnectWriteTimeout = time.Second

// Peer is an established, handshaked connection to a remote node.
type Peer struct {
	logger  log.Logger
	metrics *Metrics

	id       types.NodeID
	version  int32
	outbound bool
	conn     net.Conn
	hostPort string

	writeMtx sync.Mutex
	enc      *cbor.Encoder
	dec      *cbor.Decoder

	sendQueue chan packet
	onReceive func(*Peer, ChannelID, []byte)
	onStop    func(*Peer, ReasonCode)

	stopOnce sync.Once
	quit     chan struct{}
	mtx      sync.Mutex
	reason   ReasonCode
}

func newPeer(
	logger log.Logger,
	metrics *Metrics,
	conn net.Conn,
	enc *cbor.Encoder,
	dec *cbor.Decoder,
	hello Hello,
	outbound bool,
	sendQueueSize int,
) *Peer {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Peer{
		logger:    logger.With("peer", hello.ID.ShortString()),
		metrics:   metrics,
		id:        hello.ID,
		version:   hello.Version,
		outbound:  outbound,
		conn:      conn,
		hostPort:  net.JoinHostPort(host, strconv.Itoa(hello.ListenPort)),
		enc:       enc,
		dec:       dec,
		sendQueue: make(chan packet, sendQueueSize),
		quit:      make(chan struct{}),
	}
}

// ID returns the peer's node id.
func (p *Peer) ID() types.NodeID { return p.id }

// Version returns the protocol version announced by the peer.
func (p *Peer) Version() int32 { return p.version }

// IsOutbound reports whether we dialed the peer.
func (p *Peer) IsOutbound() bool { return p.outbound }

// RemoteAddr returns the address of the connection.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// ListenAddr returns the host:port the peer accepts connections on.
func (p *Peer) ListenAddr() string { return p.hostPort }

func (p *Peer) String() string {
	dir := "in"
	if p.outbound {
		dir = "out"
	}
	return fmt.Sprintf("Peer{%s %s %s}", p.id.ShortString(), p.conn.RemoteAddr(), dir)
}

// Send queues payload for delivery on channel ch. It returns false, without
// blocking, if the queue is full or the peer is stopped.
func (p *Peer) Send(ch ChannelID, payload []byte) bool {
	select {
	case <-p.quit:
		return false
	default:
	}

	select {
	case p.sendQueue <- packet{Channel: ch, Payload: payload}:
		return true
	default:
		p.metrics.MessagesDropped.Add(1)
		p.logger.Debug("send queue full, dropping message", "channel", ch)
		return false
	}
}

// Disconnect tells the peer why the connection is going away and closes it.
// Calling it more than once has no further effect.
func (p *Peer) Disconnect(reason ReasonCode) {
	p.stop(reason, true)
}

// Reason returns why the peer stopped, or 0 while it is running.
func (p *Peer) Reason() ReasonCode {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.reason
}

// Quit is closed once the peer stops.
func (p *Peer) Quit() <-chan struct{} { return p.quit }

func (p *Peer) start() {
	go p.sendRoutine()
	go p.recvRoutine()
}

func (p *Peer) stop(reason ReasonCode, notify bool) {
	p.stopOnce.Do(func() {
		p.mtx.Lock()
		p.reason = reason
		p.mtx.Unlock()
		close(p.quit)

		if notify {
			_ = p.conn.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
			p.writeMtx.Lock()
			err := p.enc.Encode(packet{Disconnect: reason})
			p.writeMtx.Unlock()
			if err != nil {
				p.logger.Debug("failed to send disconnect", "reason", reason, "err", err)
			}
		}

		if err := p.conn.Close(); err != nil {
			p.logger.Debug("failed to close connection", "err", err)
		}
		p.metrics.Disconnects.With("reason", reason.String()).Add(1)
		p.logger.Info("peer disconnected", "reason", reason, "local", notify)
	})
}

func (p *Peer) sendRoutine() {
	for {
		select {
		case <-p.quit:
			return
		case pkt := <-p.sendQueue:
			p.writeMtx.Lock()
			err := p.enc.Encode(pkt)
			p.writeMtx.Unlock()
			if err != nil {
				p.stop(ReasonUnknown, false)
				return
			}
			p.metrics.MessagesSent.With("channel", strconv.Itoa(int(pkt.Channel))).Add(1)
		}
	}
}

// recvRoutine reads packets until the connection fails, then reports the
// peer as stopped. It is the only caller of onStop, so callbacks never run on
// the goroutine of whoever called Disconnect.
func (p *Peer) recvRoutine() {
	defer func() {
		p.stop(ReasonUnknown, false)
		if p.onStop != nil {
			p.onStop(p, p.Reason())
		}
	}()

	for {
		var pkt packet
		if err := p.dec.Decode(&pkt); err != nil {
			select {
			case <-p.quit:
			default:
				p.logger.Debug("failed to read from peer", "err", err)
			}
			return
		}

		if pkt.Disconnect != 0 {
			p.stop(pkt.Disconnect, false)
			return
		}

		p.metrics.MessagesReceived.With("channel", strconv.Itoa(int(pkt.Channel))).Add(1)
		if p.onReceive != nil {
			p.onReceive(p, pkt.Channel, pkt.Payload)
		}
	}
}
