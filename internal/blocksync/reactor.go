package blocksync

import (
	"context"
	"errors"

	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
	"github.com/unichain/overlay/types"
)

var _ service.Service = (*Reactor)(nil)
var _ p2p.Reactor = (*Reactor)(nil)

const (
	// BlockSyncChannel is a channel for chain summaries, inventories and
	// blocks.
	BlockSyncChannel = p2p.ChannelID(0x40)
)

// Reactor connects the Syncer to the peers of a p2p Switch.
type Reactor struct {
	service.BaseService
	logger log.Logger

	syncer *Syncer
}

// NewReactor returns a Reactor driving syncer. Register it with the Switch
// on BlockSyncChannel.
func NewReactor(logger log.Logger, syncer *Syncer) *Reactor {
	r := &Reactor{
		logger: logger,
		syncer: syncer,
	}
	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r
}

// OnStart starts the Syncer.
func (r *Reactor) OnStart(ctx context.Context) error {
	return r.syncer.Start(ctx)
}

// OnStop stops the Syncer.
func (r *Reactor) OnStop() {
	if err := r.syncer.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		r.logger.Error("failed to stop syncer", "err", err)
	}
}

// Syncer returns the underlying Syncer.
func (r *Reactor) Syncer() *Syncer { return r.syncer }

// AddPeer implements p2p.Reactor.
func (r *Reactor) AddPeer(peer *p2p.Peer) {
	r.syncer.AddPeer(&switchPeer{peer: peer, logger: r.logger})
}

// RemovePeer implements p2p.Reactor.
func (r *Reactor) RemovePeer(peer *p2p.Peer, reason p2p.ReasonCode) {
	r.logger.Debug("removing peer", "peer", peer.ID(), "reason", reason)
	r.syncer.RemovePeer(peer.ID())
}

// Receive implements p2p.Reactor.
func (r *Reactor) Receive(chID p2p.ChannelID, peer *p2p.Peer, bz []byte) {
	msg, err := DecodeMessage(bz)
	if err != nil {
		r.logger.Error("failed to decode message", "peer", peer.ID(), "err", err)
		peer.Disconnect(p2p.ReasonBadProtocol)
		return
	}
	r.syncer.Receive(peer.ID(), msg)
}

// switchPeer sends sync messages on BlockSyncChannel.
type switchPeer struct {
	peer   *p2p.Peer
	logger log.Logger
}

func (p *switchPeer) ID() types.NodeID { return p.peer.ID() }

func (p *switchPeer) Send(msg Message) bool {
	bz, err := EncodeMessage(msg)
	if err != nil {
		p.logger.Error("failed to encode message", "type", msg.Type(), "err", err)
		return false
	}
	return p.peer.Send(BlockSyncChannel, bz)
}

func (p *switchPeer) Disconnect(reason p2p.ReasonCode) { p.peer.Disconnect(reason) }
