package blocksync

import (
	"fmt"

	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/types"
)

func (s *Syncer) handleChainInventory(ps *PeerState, msg *ChainInventory) {
	if err := s.checkInventory(ps, msg); err != nil {
		s.logger.Error("bad chain inventory", "peer", ps.peer.ID(), "err", err)
		s.disconnect(ps, p2p.ReasonSyncFail)
		return
	}
	ps.summary = nil

	ids := msg.IDs
	if len(ids) == 1 && s.chain.HasBlock(ids[0]) {
		ps.needSync = false
		ps.syncing = false
		s.updateGauges()
		return
	}

	// the inventory continues from its first id, drop what we queued past it
	for len(ps.queue) > 0 && ps.queue[len(ps.queue)-1] != ids[0] {
		ps.queue = ps.queue[:len(ps.queue)-1]
	}
	ps.queue = append(ps.queue, ids[1:]...)
	ps.remain = msg.Remain

	for len(ps.queue) > 0 && s.chain.HasBlock(ps.queue[0]) {
		ps.common = ps.popQueue()
	}

	if (msg.Remain == 0 && len(ps.queue) > 0) ||
		(msg.Remain != 0 && len(ps.queue) > s.cfg.SyncFetchBatchNum) {
		s.fetchFlag.Store(true)
	} else {
		s.syncNext(ps)
	}
}

func (s *Syncer) checkInventory(ps *PeerState, msg *ChainInventory) error {
	if ps.summary == nil {
		return ErrUnsolicitedInventory
	}

	ids := msg.IDs
	switch {
	case len(ids) == 0:
		return fmt.Errorf("%w: empty inventory", ErrSyncFailed)
	case len(ids) > s.cfg.MaxInventorySize:
		return fmt.Errorf("%w: inventory of %d ids", ErrSyncFailed, len(ids))
	case msg.Remain < 0:
		return fmt.Errorf("%w: negative remain %d", ErrSyncFailed, msg.Remain)
	case msg.Remain > 0 && len(ids) < s.cfg.MaxInventorySize:
		return fmt.Errorf("%w: remain %d with partial inventory", ErrSyncFailed, msg.Remain)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i].Num != ids[i-1].Num+1 {
			return fmt.Errorf("%w: inventory not continuous at %v", ErrSyncFailed, ids[i])
		}
	}
	if !containsID(ps.summary, ids[0]) {
		return fmt.Errorf("%w: inventory starts at unknown %v", ErrSyncFailed, ids[0])
	}
	return nil
}

func containsID(ids []types.BlockID, id types.BlockID) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}
