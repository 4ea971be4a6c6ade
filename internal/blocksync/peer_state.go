package blocksync

import (
	"time"

	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/types"
)

// Peer is the connection the Syncer talks to. Send must not block and
// Disconnect must not call back into the Syncer synchronously.
type Peer interface {
	ID() types.NodeID
	Send(msg Message) bool
	Disconnect(reason p2p.ReasonCode)
}

// PeerState is the sync cursor of one peer. All fields are guarded by the
// Syncer lock.
type PeerState struct {
	peer Peer

	syncing  bool
	needSync bool

	// ids to fetch from the peer, in chain order
	queue []types.BlockID
	// ids requested from the peer and not yet received
	requested map[types.BlockID]time.Time
	// ids received from the peer that are being applied
	inProcess map[types.BlockID]struct{}
	// highest block both sides hold
	common types.BlockID
	// blocks the peer holds past its last inventory
	remain int64

	summary     []types.BlockID
	summaryTime time.Time

	disconnected bool
}

func newPeerState(peer Peer) *PeerState {
	return &PeerState{
		peer:      peer,
		requested: make(map[types.BlockID]time.Time),
		inProcess: make(map[types.BlockID]struct{}),
	}
}

// isIdle reports whether nothing is outstanding with the peer.
func (ps *PeerState) isIdle() bool {
	return len(ps.requested) == 0 && ps.summary == nil
}

func (ps *PeerState) queueHead() (types.BlockID, bool) {
	if len(ps.queue) == 0 {
		return types.BlockID{}, false
	}
	return ps.queue[0], true
}

func (ps *PeerState) popQueue() types.BlockID {
	id := ps.queue[0]
	ps.queue = ps.queue[1:]
	return id
}

func (ps *PeerState) pushQueueFront(id types.BlockID) {
	ps.queue = append([]types.BlockID{id}, ps.queue...)
}

// PeerStatus is a snapshot of a PeerState.
type PeerStatus struct {
	ID          types.NodeID
	Syncing     bool
	NeedSync    bool
	Queued      int
	Requested   int
	CommonBlock types.BlockID
	Remain      int64
}

func (ps *PeerState) status() PeerStatus {
	return PeerStatus{
		ID:          ps.peer.ID(),
		Syncing:     ps.syncing,
		NeedSync:    ps.needSync,
		Queued:      len(ps.queue),
		Requested:   len(ps.requested),
		CommonBlock: ps.common,
		Remain:      ps.remain,
	}
}
