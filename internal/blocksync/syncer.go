package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/libs/service"
	"github.com/unichain/overlay/types"
)

var (
	// ErrSyncFailed is returned when no chain summary can be built for a
	// peer, or a peer's inventory cannot be used.
	ErrSyncFailed = errors.New("sync failed")
	// ErrUnsolicitedInventory is returned for an inventory nobody asked for.
	ErrUnsolicitedInventory = errors.New("unsolicited chain inventory")
)

// Chain is the local block store the Syncer reads from and applies to.
type Chain interface {
	HeadBlockID() types.BlockID
	GenesisBlockID() types.BlockID
	// SyncBeginNumber is the lowest height worth putting in a summary.
	SyncBeginNumber() int64
	ContainsInMainChain(id types.BlockID) bool
	HasBlock(id types.BlockID) bool
	BlockIDByNum(num int64) (types.BlockID, error)
	BlockByID(id types.BlockID) (*types.Block, error)
	// ForkSince returns the ascending branch from its main chain fork point
	// to id, or nothing if id is unknown.
	ForkSince(id types.BlockID) ([]types.BlockID, error)
	ProcessBlock(block *types.Block) error
}

// SyncerOption sets an optional parameter on the Syncer.
type SyncerOption func(*Syncer)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = metrics }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = now }
}

type stagedKey struct {
	id   types.BlockID
	from types.NodeID
}

type stagedBlock struct {
	block *types.Block
	from  *PeerState
}

// Syncer drives synchronization with every connected peer.
type Syncer struct {
	service.BaseService
	logger log.Logger

	cfg     *config.SyncConfig
	chain   Chain
	metrics *Metrics
	now     func() time.Time

	fetchFlag  atomic.Bool
	handleFlag atomic.Bool

	// mtx guards the peer states, the pending fetches and the blocks
	// awaiting application. Blocks are applied while holding it.
	mtx      sync.Mutex
	peers    []*PeerState
	pending  *pendingFetch
	awaiting map[stagedKey]*stagedBlock

	receivedMtx sync.Mutex
	received    map[stagedKey]*stagedBlock
}

// NewSyncer returns a Syncer applying blocks to chain.
func NewSyncer(logger log.Logger, cfg *config.SyncConfig, chain Chain, options ...SyncerOption) (*Syncer, error) {
	s := &Syncer{
		logger:   logger,
		cfg:      cfg,
		chain:    chain,
		metrics:  NopMetrics(),
		now:      time.Now,
		awaiting: make(map[stagedKey]*stagedBlock),
		received: make(map[stagedKey]*stagedBlock),
	}
	for _, opt := range options {
		opt(s)
	}

	pending, err := newPendingFetch(cfg.PendingFetchCapacity, cfg.PendingFetchExpiry, func() time.Time { return s.now() })
	if err != nil {
		return nil, fmt.Errorf("creating pending fetch cache: %w", err)
	}
	s.pending = pending
	s.BaseService = *service.NewBaseService(logger, "Syncer", s)
	return s, nil
}

// OnStart implements service.Service.
func (s *Syncer) OnStart(ctx context.Context) error {
	go s.passRoutine(ctx, "fetch", s.cfg.FetchInterval, &s.fetchFlag, s.fetchBlocks)
	go s.passRoutine(ctx, "handle", s.cfg.HandleInterval, &s.handleFlag, s.handleBlocks)
	go s.passRoutine(ctx, "timeout", s.cfg.TimeoutCheckInterval, nil, s.checkTimeouts)
	return nil
}

// OnStop implements service.Service.
func (s *Syncer) OnStop() {}

// AddPeer registers peer and starts syncing from it.
func (s *Syncer) AddPeer(peer Peer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.peerState(peer.ID()) != nil {
		return
	}
	ps := newPeerState(peer)
	s.peers = append(s.peers, ps)
	s.startSync(ps)
	s.updateGauges()
}

// RemovePeer forgets the peer. The blocks still requested from it become
// available to the other peers.
func (s *Syncer) RemovePeer(id types.NodeID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i, ps := range s.peers {
		if ps.peer.ID() != id {
			continue
		}
		ps.disconnected = true
		for blockID := range ps.requested {
			s.pending.invalidate(blockID)
		}
		s.peers = append(s.peers[:i], s.peers[i+1:]...)
		s.fetchFlag.Store(true)
		s.handleFlag.Store(true)
		s.updateGauges()
		return
	}
}

// StartSync restarts synchronization with a registered peer from genesis.
func (s *Syncer) StartSync(id types.NodeID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if ps := s.peerState(id); ps != nil && !ps.disconnected {
		s.startSync(ps)
	}
}

// Receive handles a message from a registered peer.
func (s *Syncer) Receive(id types.NodeID, msg Message) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ps := s.peerState(id)
	if ps == nil || ps.disconnected {
		return
	}

	switch msg := msg.(type) {
	case *SyncChainSummary:
		s.serveChainSummary(ps, msg)
	case *ChainInventory:
		s.handleChainInventory(ps, msg)
	case *FetchInvData:
		s.serveFetchInvData(ps, msg)
	case *BlockMessage:
		s.processBlock(ps, msg.Block)
	default:
		s.logger.Error("unknown message", "peer", id, "type", fmt.Sprintf("%T", msg))
	}
}

// PeerStatus returns the sync cursor of a registered peer.
func (s *Syncer) PeerStatus(id types.NodeID) (PeerStatus, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ps := s.peerState(id)
	if ps == nil {
		return PeerStatus{}, false
	}
	return ps.status(), true
}

// Peers returns the sync cursors of all registered peers.
func (s *Syncer) Peers() []PeerStatus {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	statuses := make([]PeerStatus, 0, len(s.peers))
	for _, ps := range s.peers {
		statuses = append(statuses, ps.status())
	}
	return statuses
}

func (s *Syncer) peerState(id types.NodeID) *PeerState {
	for _, ps := range s.peers {
		if ps.peer.ID() == id {
			return ps
		}
	}
	return nil
}

func (s *Syncer) startSync(ps *PeerState) {
	ps.syncing = true
	ps.needSync = true
	ps.queue = nil
	ps.remain = 0
	ps.common = s.chain.GenesisBlockID()
	s.syncNext(ps)
}

func (s *Syncer) syncNext(ps *PeerState) {
	if ps.summary != nil {
		s.logger.Info("peer is in sync", "peer", ps.peer.ID())
		return
	}

	summary, err := s.chainSummary(ps)
	if err != nil {
		s.logger.Error("peer sync failed", "peer", ps.peer.ID(), "err", err)
		s.disconnect(ps, p2p.ReasonSyncFail)
		return
	}
	ps.summary = summary
	ps.summaryTime = s.now()
	if !ps.peer.Send(&SyncChainSummary{IDs: summary}) {
		s.logger.Debug("failed to send chain summary", "peer", ps.peer.ID())
	}
	s.metrics.SummariesSent.Add(1)
}

// chainSummary samples the ids between the sync floor and the end of the
// peer's queue. A summary entry of ours is either on the main chain up to
// the fork point, on the branch we share with the peer up to the common
// block, or queued for fetching from the peer.
func (s *Syncer) chainSummary(ps *PeerState) ([]types.BlockID, error) {
	var (
		low        = s.chain.SyncBeginNumber()
		fork       []types.BlockID
		highNoFork int64
		high       int64
	)
	if low < 0 {
		low = 0
	}

	if ps.common == s.chain.GenesisBlockID() || s.chain.ContainsInMainChain(ps.common) {
		if len(ps.queue) == 0 {
			highNoFork = s.chain.HeadBlockID().Num
		} else {
			highNoFork = ps.common.Num
		}
		high = highNoFork
	} else {
		branch, err := s.chain.ForkSince(ps.common)
		if err != nil {
			return nil, err
		}
		if len(branch) == 0 {
			return nil, fmt.Errorf("%w: no fork point for %v", ErrSyncFailed, ps.common)
		}
		highNoFork = branch[0].Num
		fork = branch[1:]
		high = highNoFork + int64(len(fork))
	}

	if low > highNoFork {
		return nil, fmt.Errorf("%w: floor %d above %d", ErrSyncFailed, low, highNoFork)
	}

	realHigh := high + int64(len(ps.queue))
	s.logger.Debug("building chain summary",
		"peer", ps.peer.ID(), "low", low, "highNoFork", highNoFork, "high", high, "realHigh", realHigh)

	var summary []types.BlockID
	for low <= realHigh {
		switch {
		case low <= highNoFork:
			id, err := s.chain.BlockIDByNum(low)
			if err != nil {
				return nil, err
			}
			summary = append(summary, id)
		case low <= high:
			summary = append(summary, fork[low-highNoFork-1])
		default:
			summary = append(summary, ps.queue[low-high-1])
		}
		low += (realHigh - low + 2) / 2
	}
	return summary, nil
}

func (s *Syncer) processBlock(ps *PeerState, block *types.Block) {
	id := block.ID()
	if _, ok := ps.requested[id]; !ok {
		s.logger.Debug("dropping unsolicited block", "peer", ps.peer.ID(), "block", id)
		return
	}
	delete(ps.requested, id)

	s.receivedMtx.Lock()
	s.received[stagedKey{id: id, from: ps.peer.ID()}] = &stagedBlock{block: block, from: ps}
	s.receivedMtx.Unlock()
	s.handleFlag.Store(true)

	if ps.isIdle() {
		if ps.remain > 0 && len(ps.queue) <= s.cfg.SyncFetchBatchNum {
			s.syncNext(ps)
		} else {
			s.fetchFlag.Store(true)
		}
	}
}

// fetchBlocks requests the queued blocks of every idle peer we sync from,
// skipping blocks already requested from anyone.
func (s *Syncer) fetchBlocks() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	for _, ps := range s.peers {
		if ps.disconnected || !ps.needSync || !ps.isIdle() {
			continue
		}

		var ids []types.BlockID
		for _, id := range ps.queue {
			if s.pending.contains(id) {
				continue
			}
			s.pending.add(id)
			ps.requested[id] = now
			ids = append(ids, id)
			if len(ids) >= s.cfg.MaxBlockFetchPerPeer {
				break
			}
		}
		if len(ids) == 0 {
			continue
		}
		if !ps.peer.Send(&FetchInvData{IDs: ids, Kind: InventoryBlock}) {
			s.logger.Debug("failed to send block request", "peer", ps.peer.ID())
		}
		s.metrics.BlocksRequested.Add(float64(len(ids)))
	}
	s.updateGauges()
}

// handleBlocks applies staged blocks in the order the peers queued them.
func (s *Syncer) handleBlocks() {
	s.receivedMtx.Lock()
	received := s.received
	s.received = make(map[stagedKey]*stagedBlock)
	s.receivedMtx.Unlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for k, b := range received {
		s.awaiting[k] = b
	}

	for processed := true; processed; {
		processed = false
		for key, staged := range s.awaiting {
			if staged.from.disconnected {
				delete(s.awaiting, key)
				s.pending.invalidate(key.id)
				s.fetchFlag.Store(true)
				continue
			}

			found := false
			for _, ps := range s.peers {
				if head, ok := ps.queueHead(); ok && head == key.id {
					ps.popQueue()
					ps.inProcess[key.id] = struct{}{}
					found = true
				}
			}
			if found {
				delete(s.awaiting, key)
				processed = true
				s.applyBlock(staged)
			}
		}
	}

	// duplicates and blocks dropped from every queue would wait forever
	for key := range s.awaiting {
		if !s.queued(key.id) {
			s.logger.Debug("dropping staged block no peer waits for", "block", key.id, "peer", key.from)
			delete(s.awaiting, key)
			s.pending.invalidate(key.id)
		}
	}
	s.updateGauges()
}

// queued reports whether a connected peer still has id in its fetch queue.
func (s *Syncer) queued(id types.BlockID) bool {
	for _, ps := range s.peers {
		if ps.disconnected {
			continue
		}
		for _, q := range ps.queue {
			if q == id {
				return true
			}
		}
	}
	return false
}

func (s *Syncer) applyBlock(staged *stagedBlock) {
	id := staged.block.ID()
	err := s.processSyncedBlock(staged.block)
	s.pending.invalidate(id)

	if err != nil {
		s.logger.Error("failed to process synced block", "block", id, "peer", staged.from.peer.ID(), "err", err)
		s.metrics.BlocksRejected.Add(1)
		s.disconnect(staged.from, p2p.ReasonBadBlock)
	} else {
		s.metrics.BlocksApplied.Add(1)
	}

	for _, ps := range s.peers {
		if _, ok := ps.inProcess[id]; !ok {
			continue
		}
		delete(ps.inProcess, id)

		switch {
		case err == nil:
			ps.common = id
			if len(ps.queue) == 0 {
				s.syncNext(ps)
			}
		case ps != staged.from:
			ps.pushQueueFront(id)
			s.fetchFlag.Store(true)
		}
	}
}

// processSyncedBlock hands block to the chain. A panic counts as a
// rejection so the peer states stay consistent.
func (s *Syncer) processSyncedBlock(block *types.Block) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing block: %v", r)
		}
	}()
	return s.chain.ProcessBlock(block)
}

// checkTimeouts disconnects peers that sit on a request for too long.
func (s *Syncer) checkTimeouts() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	for _, ps := range s.peers {
		if ps.disconnected {
			continue
		}
		if ps.summary != nil && now.Sub(ps.summaryTime) > s.cfg.SyncTimeout {
			s.logger.Info("chain summary timed out", "peer", ps.peer.ID())
			s.disconnect(ps, p2p.ReasonTimeout)
			continue
		}
		for id, requested := range ps.requested {
			if now.Sub(requested) > s.cfg.SyncTimeout {
				s.logger.Info("block request timed out", "peer", ps.peer.ID(), "block", id)
				s.disconnect(ps, p2p.ReasonTimeout)
				break
			}
		}
	}
}

func (s *Syncer) disconnect(ps *PeerState, reason p2p.ReasonCode) {
	if ps.disconnected {
		return
	}
	ps.disconnected = true
	s.metrics.Disconnects.With("reason", reason.String()).Add(1)
	ps.peer.Disconnect(reason)
}

func (s *Syncer) updateGauges() {
	syncing := 0
	for _, ps := range s.peers {
		if ps.needSync && !ps.disconnected {
			syncing++
		}
	}
	s.metrics.SyncingPeers.Set(float64(syncing))
	s.metrics.PendingFetches.Set(float64(s.pending.len()))
	s.metrics.StagedBlocks.Set(float64(len(s.awaiting)))
}

func (s *Syncer) passRoutine(ctx context.Context, task string, interval time.Duration, flag *atomic.Bool, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flag != nil && !flag.CompareAndSwap(true, false) {
				continue
			}
			s.runRecovered(task, fn)
		}
	}
}

func (s *Syncer) runRecovered(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic", "task", task, "panic", r)
		}
	}()
	fn()
}
