package blocksync

import (
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/types"
)

// serveChainSummary answers with the main chain ids that follow the highest
// summary id we share.
func (s *Syncer) serveChainSummary(ps *PeerState, msg *SyncChainSummary) {
	ids := msg.IDs
	if len(ids) == 0 {
		s.logger.Error("empty chain summary", "peer", ps.peer.ID())
		s.disconnect(ps, p2p.ReasonSyncFail)
		return
	}

	var (
		common types.BlockID
		found  bool
	)
	for i := len(ids) - 1; i >= 0; i-- {
		if s.chain.ContainsInMainChain(ids[i]) {
			common, found = ids[i], true
			break
		}
	}
	if !found {
		s.logger.Error("no common block in chain summary", "peer", ps.peer.ID(), "first", ids[0])
		s.disconnect(ps, p2p.ReasonSyncFail)
		return
	}

	head := s.chain.HeadBlockID()
	last := common.Num + int64(s.cfg.MaxInventorySize) - 1
	if last > head.Num {
		last = head.Num
	}

	inventory := make([]types.BlockID, 0, last-common.Num+1)
	for num := common.Num; num <= last; num++ {
		id, err := s.chain.BlockIDByNum(num)
		if err != nil {
			s.logger.Error("failed to load main chain id", "height", num, "err", err)
			return
		}
		inventory = append(inventory, id)
	}

	if !ps.peer.Send(&ChainInventory{IDs: inventory, Remain: head.Num - last}) {
		s.logger.Debug("failed to send chain inventory", "peer", ps.peer.ID())
	}
}

// serveFetchInvData sends the requested blocks we hold.
func (s *Syncer) serveFetchInvData(ps *PeerState, msg *FetchInvData) {
	if msg.Kind != InventoryBlock || len(msg.IDs) > s.cfg.MaxBlockFetchPerPeer {
		s.logger.Error("bad block request", "peer", ps.peer.ID(), "kind", msg.Kind, "count", len(msg.IDs))
		s.disconnect(ps, p2p.ReasonBadProtocol)
		return
	}

	for _, id := range msg.IDs {
		block, err := s.chain.BlockByID(id)
		if err != nil {
			s.logger.Debug("requested block unavailable", "peer", ps.peer.ID(), "block", id, "err", err)
			continue
		}
		if !ps.peer.Send(&BlockMessage{Block: block}) {
			s.logger.Debug("failed to send block", "peer", ps.peer.ID(), "block", id)
			return
		}
	}
}
