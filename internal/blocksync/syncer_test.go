package blocksync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/internal/store"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/types"
)

func TestStartSyncSendsGenesisSummary(t *testing.T) {
	env := newTestEnv(t)
	peer, summary := env.addPeer(1)

	assert.Equal(t, []types.BlockID{env.genesis.ID()}, summary)

	ps := env.state(peer)
	assert.True(t, ps.syncing)
	assert.True(t, ps.needSync)
	assert.Equal(t, env.genesis.ID(), ps.common)
	assert.False(t, ps.isIdle())

	// a second round is refused while one is outstanding
	env.syncer.StartSync(peer.ID())
	assert.Empty(t, take[*SyncChainSummary](peer))
}

func TestChainSummaryBisectsToHead(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.SyncConfig) { cfg.SolidifiedDepth = 15 }))
	blocks := env.extend(20, 10)
	peer, _ := env.addPeer(1)

	ps := env.state(peer)
	ps.summary = nil
	ps.common = blocks[4].ID()

	summary, err := env.syncer.chainSummary(ps)
	require.NoError(t, err)

	require.NotEmpty(t, summary)
	assert.Equal(t, blocks[4].ID(), summary[0])
	assert.Equal(t, blocks[19].ID(), summary[len(summary)-1])
	requireIncreasing(t, summary)
	// log2(20-5+1) = 4
	assert.LessOrEqual(t, len(summary), 6)
	for _, id := range summary {
		assert.True(t, env.chain.ContainsInMainChain(id))
	}
}

func TestChainSummaryFollowsSharedFork(t *testing.T) {
	env := newTestEnv(t)
	main := env.extend(6, 10)
	side := makeChain(main[2].ID(), 2, 100)
	for _, b := range side {
		require.NoError(t, env.chain.ProcessBlock(b))
	}
	require.Equal(t, main[5].ID(), env.chain.HeadBlockID())

	peer, _ := env.addPeer(1)
	ps := env.state(peer)
	ps.summary = nil
	ps.common = side[1].ID()

	summary, err := env.syncer.chainSummary(ps)
	require.NoError(t, err)
	assert.Equal(t, []types.BlockID{env.genesis.ID(), main[2].ID(), side[1].ID()}, summary)
}

func TestChainSummaryFailures(t *testing.T) {
	t.Run("unknown common block", func(t *testing.T) {
		env := newTestEnv(t)
		peer, _ := env.addPeer(1)

		ps := env.state(peer)
		ps.summary = nil
		ps.common = types.BlockID{Hash: [32]byte{7}, Num: 3}

		_, err := env.syncer.chainSummary(ps)
		assert.True(t, errors.Is(err, ErrSyncFailed))

		env.syncer.mtx.Lock()
		env.syncer.syncNext(ps)
		env.syncer.mtx.Unlock()
		reason, gone := peer.disconnected()
		assert.True(t, gone)
		assert.Equal(t, p2p.ReasonSyncFail, reason)
	})

	t.Run("floor above fork point", func(t *testing.T) {
		env := newTestEnv(t, withConfig(func(cfg *config.SyncConfig) { cfg.SolidifiedDepth = 5 }))
		blocks := env.extend(20, 10)
		peer, _ := env.addPeer(1)

		ps := env.state(peer)
		ps.summary = nil
		ps.common = blocks[2].ID()
		ps.queue = []types.BlockID{{Hash: [32]byte{1}, Num: 4}}

		_, err := env.syncer.chainSummary(ps)
		assert.True(t, errors.Is(err, ErrSyncFailed))
	})
}

func TestSyncScenarioOutOfOrderDelivery(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 10, 10)

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	c, _ := env.addPeer(3)

	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})

	psA := env.state(a)
	require.Equal(t, blockIDs(remote), psA.queue)
	require.True(t, env.syncer.fetchFlag.Load())

	summary, err := env.syncer.chainSummary(psA)
	require.NoError(t, err)
	assert.Equal(t, env.genesis.ID(), summary[0])
	assert.Equal(t, remote[9].ID(), summary[len(summary)-1])
	requireIncreasing(t, summary)

	env.syncer.fetchBlocks()
	fetches := take[*FetchInvData](a)
	require.Len(t, fetches, 1)
	assert.Equal(t, blockIDs(remote[:4]), fetches[0].IDs)
	assert.Equal(t, InventoryBlock, fetches[0].Kind)
	// b and c still owe us an inventory
	assert.Empty(t, take[*FetchInvData](b))
	assert.Empty(t, take[*FetchInvData](c))

	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[1]})
	env.syncer.handleBlocks()
	assert.Equal(t, env.genesis.ID(), env.chain.HeadBlockID())
	assert.Len(t, env.syncer.awaiting, 1)

	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[0]})
	env.syncer.handleBlocks()
	assert.Equal(t, remote[1].ID(), env.chain.HeadBlockID())
	assert.Equal(t, blockIDs(remote[:2]), env.recorder.applied())
	assert.Empty(t, env.syncer.awaiting)
	assert.Equal(t, remote[1].ID(), psA.common)
	assert.Equal(t, blockIDs(remote[2:]), psA.queue)
}

func TestFetchNeverDuplicatesAcrossPeers(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 10, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.Receive(b.ID(), &ChainInventory{IDs: inventory})

	env.syncer.fetchBlocks()
	fa := take[*FetchInvData](a)
	fb := take[*FetchInvData](b)
	require.Len(t, fa, 1)
	require.Len(t, fb, 1)

	seen := make(map[types.BlockID]bool)
	for _, id := range append(fa[0].IDs, fb[0].IDs...) {
		assert.False(t, seen[id], "block %v requested twice", id)
		seen[id] = true
	}
	assert.Equal(t, blockIDs(remote[:4]), fa[0].IDs)
	assert.Equal(t, blockIDs(remote[4:8]), fb[0].IDs)

	// nothing new while everyone is busy
	env.syncer.fetchBlocks()
	assert.Empty(t, take[*FetchInvData](a))
	assert.Empty(t, take[*FetchInvData](b))
}

func TestDisconnectReleasesRequestedBlocks(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 10, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	requested := take[*FetchInvData](a)
	require.Len(t, requested, 1)
	for _, id := range requested[0].IDs {
		require.True(t, env.syncer.pending.contains(id))
	}

	env.syncer.Receive(b.ID(), &ChainInventory{IDs: inventory})
	env.syncer.RemovePeer(a.ID())
	for _, id := range requested[0].IDs {
		assert.False(t, env.syncer.pending.contains(id))
	}
	assert.Zero(t, env.syncer.pending.len())
	assert.True(t, env.syncer.fetchFlag.Load())

	env.syncer.fetchBlocks()
	refetched := take[*FetchInvData](b)
	require.Len(t, refetched, 1)
	assert.Equal(t, requested[0].IDs, refetched[0].IDs)
}

func TestStagedBlockOfGonePeerIsDropped(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 4, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[0]})
	env.syncer.RemovePeer(a.ID())

	env.syncer.handleBlocks()
	assert.Equal(t, env.genesis.ID(), env.chain.HeadBlockID())
	assert.Empty(t, env.syncer.awaiting)
	assert.Zero(t, env.syncer.pending.len())
}

func TestBadBlockDisconnectsOnlyDeliverer(t *testing.T) {
	remote := makeChain(types.NewGenesisBlock(1).ID(), 4, 10)
	bad := remote[2].ID()
	env := newTestEnv(t, withStoreOptions(store.WithValidator(func(b *types.Block) error {
		if b.ID() == bad {
			return errors.New("bad")
		}
		return nil
	})))
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.Receive(b.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	require.Len(t, take[*FetchInvData](a), 1)

	for _, block := range remote[:3] {
		env.syncer.Receive(a.ID(), &BlockMessage{Block: block})
	}
	env.syncer.handleBlocks()

	assert.Equal(t, remote[1].ID(), env.chain.HeadBlockID())
	reason, gone := a.disconnected()
	assert.True(t, gone)
	assert.Equal(t, p2p.ReasonBadBlock, reason)

	_, gone = b.disconnected()
	assert.False(t, gone)
	psB := env.state(b)
	assert.Equal(t, blockIDs(remote[2:]), psB.queue)
	assert.Equal(t, remote[1].ID(), psB.common)
	assert.False(t, env.syncer.pending.contains(bad))
}

func TestUnsolicitedBlockIsDropped(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.addPeer(1)

	block := types.NewBlock(env.genesis.ID(), 5, testWitness, 11, nil)
	env.syncer.Receive(a.ID(), &BlockMessage{Block: block})
	env.syncer.handleBlocks()

	assert.False(t, env.chain.HasBlock(block.ID()))
	_, gone := a.disconnected()
	assert.False(t, gone)
}

func TestRequestTimeouts(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)

	env.syncer.Receive(b.ID(), &ChainInventory{IDs: append(
		[]types.BlockID{env.genesis.ID()}, blockIDs(makeChain(env.genesis.ID(), 2, 10))...)})
	env.syncer.fetchBlocks()
	require.Len(t, take[*FetchInvData](b), 1)

	env.syncer.checkTimeouts()
	_, gone := a.disconnected()
	assert.False(t, gone)

	env.advance(env.cfg.SyncTimeout + time.Millisecond)
	env.syncer.checkTimeouts()

	reason, gone := a.disconnected()
	assert.True(t, gone)
	assert.Equal(t, p2p.ReasonTimeout, reason)
	reason, gone = b.disconnected()
	assert.True(t, gone)
	assert.Equal(t, p2p.ReasonTimeout, reason)
}

func TestPendingFetchExpires(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.SyncConfig) {
		cfg.PendingFetchExpiry = time.Minute
	}))
	id := types.BlockID{Hash: [32]byte{3}, Num: 3}

	env.syncer.pending.add(id)
	assert.True(t, env.syncer.pending.contains(id))
	env.advance(time.Minute)
	assert.False(t, env.syncer.pending.contains(id))
	assert.False(t, env.syncer.pending.invalidate(id))
}

func TestSyncerServiceRunsPasses(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t)
	env.syncer.now = time.Now
	remote := makeChain(env.genesis.ID(), 3, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	require.NoError(t, env.syncer.Start(ctx))
	defer func() { require.NoError(t, env.syncer.Stop()) }()

	a, _ := env.addPeer(1)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})

	var fetch []*FetchInvData
	require.Eventually(t, func() bool {
		fetch = append(fetch, take[*FetchInvData](a)...)
		return len(fetch) == 1
	}, time.Second, 5*time.Millisecond)

	for _, block := range remote {
		env.syncer.Receive(a.ID(), &BlockMessage{Block: block})
	}
	require.Eventually(t, func() bool {
		return env.chain.HeadBlockID() == remote[2].ID()
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 6, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	require.Len(t, take[*FetchInvData](a), 1)

	// the requests to a expire and b is asked for the same blocks
	env.advance(env.cfg.PendingFetchExpiry)
	env.syncer.Receive(b.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	fb := take[*FetchInvData](b)
	require.Len(t, fb, 1)
	require.Contains(t, fb[0].IDs, remote[0].ID())

	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[0]})
	env.syncer.handleBlocks()
	require.Equal(t, remote[0].ID(), env.chain.HeadBlockID())

	env.syncer.Receive(b.ID(), &BlockMessage{Block: remote[0]})
	env.syncer.handleBlocks()
	assert.Empty(t, env.syncer.awaiting)
	assert.False(t, env.syncer.pending.contains(remote[0].ID()))
	_, gone := b.disconnected()
	assert.False(t, gone)
}

func TestStagedBlockOutsideQueuesIsDropped(t *testing.T) {
	env := newTestEnv(t)
	remote := makeChain(env.genesis.ID(), 6, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)

	a, _ := env.addPeer(1)
	env.syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	env.syncer.fetchBlocks()
	require.Len(t, take[*FetchInvData](a), 1)

	// a newer inventory cut the queue after the second block
	ps := env.state(a)
	ps.queue = blockIDs(remote[:2])

	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[2]})
	env.syncer.handleBlocks()
	assert.Empty(t, env.syncer.awaiting)
	assert.False(t, env.syncer.pending.contains(remote[2].ID()))

	env.syncer.Receive(a.ID(), &BlockMessage{Block: remote[0]})
	env.syncer.handleBlocks()
	assert.Equal(t, remote[0].ID(), env.chain.HeadBlockID())
}

// flakyChain panics on the first ProcessBlock calls.
type flakyChain struct {
	Chain
	panics atomic.Int32
}

func (c *flakyChain) ProcessBlock(block *types.Block) error {
	if c.panics.Add(-1) >= 0 {
		panic("corrupted block index")
	}
	return c.Chain.ProcessBlock(block)
}

func TestSyncerSurvivesPanickingChain(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t)
	chain := &flakyChain{Chain: env.chain}
	chain.panics.Store(1)
	syncer, err := NewSyncer(log.NewNopLogger(), env.cfg, chain)
	require.NoError(t, err)
	env.syncer = syncer

	remote := makeChain(env.genesis.ID(), 2, 10)
	inventory := append([]types.BlockID{env.genesis.ID()}, blockIDs(remote)...)
	byID := make(map[types.BlockID]*types.Block)
	for _, b := range remote {
		byID[b.ID()] = b
	}

	require.NoError(t, syncer.Start(ctx))
	defer func() { require.NoError(t, syncer.Stop()) }()

	a, _ := env.addPeer(1)
	b, _ := env.addPeer(2)
	syncer.Receive(a.ID(), &ChainInventory{IDs: inventory})
	syncer.Receive(b.ID(), &ChainInventory{IDs: inventory})

	var fromA []*FetchInvData
	require.Eventually(t, func() bool {
		fromA = append(fromA, take[*FetchInvData](a)...)
		return len(fromA) > 0
	}, time.Second, 5*time.Millisecond)
	for _, id := range fromA[0].IDs {
		syncer.Receive(a.ID(), &BlockMessage{Block: byID[id]})
	}

	// the first block blows up, a is blamed and b delivers instead
	require.Eventually(t, func() bool {
		for _, fetch := range take[*FetchInvData](b) {
			for _, id := range fetch.IDs {
				syncer.Receive(b.ID(), &BlockMessage{Block: byID[id]})
			}
		}
		return env.chain.HeadBlockID() == remote[1].ID()
	}, 2*time.Second, 5*time.Millisecond)

	reason, gone := a.disconnected()
	assert.True(t, gone)
	assert.Equal(t, p2p.ReasonBadBlock, reason)
	if reason, gone := b.disconnected(); gone {
		assert.NotEqual(t, p2p.ReasonBadBlock, reason)
	}
}

func TestPassRoutineContinuesAfterPanic(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.syncer.passRoutine(ctx, "test", time.Millisecond, nil, func() {
			if runs.Add(1) == 1 {
				panic("first pass fails")
			}
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
