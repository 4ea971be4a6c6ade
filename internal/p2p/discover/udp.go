package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
)

// maxPacketSize bounds a single discovery datagram.
const maxPacketSize = 8192

type outboundPacket struct {
	to   *net.UDPAddr
	data []byte
}

// UDPTransport is the datagram Transport over a UDP socket. Both directions
// are queued; datagrams arriving at a full queue are dropped.
type UDPTransport struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics

	listenAddr string

	mtx  sync.Mutex
	conn *net.UDPConn

	inCh  chan InboundMessage
	outCh chan outboundPacket
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport creates a transport that will listen on listenAddr.
func NewUDPTransport(logger log.Logger, listenAddr string, queueSize int, metrics *Metrics) *UDPTransport {
	if metrics == nil {
		metrics = NopMetrics()
	}
	t := &UDPTransport{
		logger:     logger,
		metrics:    metrics,
		listenAddr: listenAddr,
		inCh:       make(chan InboundMessage, queueSize),
		outCh:      make(chan outboundPacket, queueSize),
	}
	t.BaseService = *service.NewBaseService(logger, "UDPTransport", t)
	return t
}

// OnStart implements service.Service.
func (t *UDPTransport) OnStart(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", t.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	t.mtx.Lock()
	t.conn = conn
	t.mtx.Unlock()

	t.logger.Info("listening for discovery datagrams", "addr", conn.LocalAddr())

	go t.readRoutine(ctx, conn)
	go t.writeRoutine(ctx, conn)
	return nil
}

// OnStop implements service.Service.
func (t *UDPTransport) OnStop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Error("failed to close socket", "err", err)
		}
	}
}

// LocalAddr returns the bound address, or nil before start.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send implements Transport. The message is encoded before Send returns so
// the caller may keep mutating it.
func (t *UDPTransport) Send(to *net.UDPAddr, msg Message) {
	bz, err := EncodeMessage(msg)
	if err != nil {
		t.logger.Error("failed to encode datagram", "type", msg.Type(), "err", err)
		return
	}
	if len(bz) > maxPacketSize {
		t.logger.Error("datagram too large", "type", msg.Type(), "size", len(bz))
		return
	}

	select {
	case t.outCh <- outboundPacket{to: to, data: bz}:
	default:
		t.metrics.MessagesDropped.With("direction", "out").Add(1)
		t.logger.Debug("dropping outbound datagram, queue full", "to", to, "type", msg.Type())
	}
}

// Receive implements Transport.
func (t *UDPTransport) Receive() <-chan InboundMessage { return t.inCh }

func (t *UDPTransport) readRoutine(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("udp read error", "err", err)
			continue
		}

		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			t.logger.Debug("bad discovery packet", "addr", from, "err", err)
			continue
		}

		select {
		case t.inCh <- InboundMessage{From: from, Message: msg}:
		case <-ctx.Done():
			return
		default:
			t.metrics.MessagesDropped.With("direction", "in").Add(1)
		}
	}
}

func (t *UDPTransport) writeRoutine(ctx context.Context, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-t.outCh:
			if _, err := conn.WriteToUDP(pkt.data, pkt.to); err != nil {
				t.logger.Debug("udp write error", "to", pkt.to, "err", err)
			}
		}
	}
}
