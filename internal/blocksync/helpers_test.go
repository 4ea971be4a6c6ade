package blocksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/internal/p2p"
	"github.com/unichain/overlay/internal/store"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/types"
)

var testWitness = []byte{0x41, 0x02}

func testPeerID(b byte) types.NodeID {
	var id types.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

type fakePeer struct {
	id types.NodeID

	mtx    sync.Mutex
	sent   []Message
	reason p2p.ReasonCode
	gone   bool
}

func newFakePeer(b byte) *fakePeer { return &fakePeer{id: testPeerID(b)} }

func (p *fakePeer) ID() types.NodeID { return p.id }

func (p *fakePeer) Send(msg Message) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.sent = append(p.sent, msg)
	return true
}

func (p *fakePeer) Disconnect(reason p2p.ReasonCode) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.gone = true
	p.reason = reason
}

func (p *fakePeer) disconnected() (p2p.ReasonCode, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.reason, p.gone
}

// take returns and forgets the messages of type T sent so far.
func take[T Message](p *fakePeer) []T {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var out []T
	rest := p.sent[:0]
	for _, msg := range p.sent {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		} else {
			rest = append(rest, msg)
		}
	}
	p.sent = rest
	return out
}

type headRecorder struct {
	mtx   sync.Mutex
	heads []types.BlockID
}

func (r *headRecorder) Update(b *types.Block) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.heads = append(r.heads, b.ID())
	return nil
}

func (r *headRecorder) applied() []types.BlockID {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]types.BlockID(nil), r.heads...)
}

type testEnv struct {
	t        *testing.T
	cfg      *config.SyncConfig
	genesis  *types.Block
	chain    *store.BlockStore
	recorder *headRecorder
	syncer   *Syncer

	mtx sync.Mutex
	now time.Time
}

type envOption func(*envSettings)

type envSettings struct {
	storeOptions []store.Option
	mutate       func(*config.SyncConfig)
}

func withStoreOptions(opts ...store.Option) envOption {
	return func(s *envSettings) { s.storeOptions = append(s.storeOptions, opts...) }
}

func withConfig(mutate func(*config.SyncConfig)) envOption {
	return func(s *envSettings) { s.mutate = mutate }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	var settings envSettings
	for _, opt := range options {
		opt(&settings)
	}

	cfg := config.TestSyncConfig()
	if settings.mutate != nil {
		settings.mutate(cfg)
	}

	env := &testEnv{
		t:        t,
		cfg:      cfg,
		genesis:  types.NewGenesisBlock(1),
		recorder: &headRecorder{},
		now:      time.Unix(1_600_000_000, 0),
	}

	storeOptions := append([]store.Option{
		store.WithHeadObserver(env.recorder),
		store.WithSolidifiedDepth(cfg.SolidifiedDepth),
	}, settings.storeOptions...)
	chain, err := store.NewBlockStore(dbm.NewMemDB(), env.genesis, storeOptions...)
	require.NoError(t, err)
	env.chain = chain

	syncer, err := NewSyncer(log.NewNopLogger(), cfg, chain, WithClock(env.clock))
	require.NoError(t, err)
	env.syncer = syncer
	return env
}

func (e *testEnv) clock() time.Time {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.now = e.now.Add(d)
}

// extend appends n blocks to the local main chain.
func (e *testEnv) extend(n int, salt int64) []*types.Block {
	e.t.Helper()
	blocks := makeChain(e.chain.HeadBlockID(), n, salt)
	for _, b := range blocks {
		require.NoError(e.t, e.chain.ProcessBlock(b))
	}
	return blocks
}

// addPeer registers a fake peer and returns the summary it was sent.
func (e *testEnv) addPeer(b byte) (*fakePeer, []types.BlockID) {
	e.t.Helper()
	peer := newFakePeer(b)
	e.syncer.AddPeer(peer)
	summaries := take[*SyncChainSummary](peer)
	require.Len(e.t, summaries, 1)
	return peer, summaries[0].IDs
}

func (e *testEnv) state(peer *fakePeer) *PeerState {
	e.t.Helper()
	e.syncer.mtx.Lock()
	defer e.syncer.mtx.Unlock()
	ps := e.syncer.peerState(peer.ID())
	require.NotNil(e.t, ps)
	return ps
}

func makeChain(parent types.BlockID, n int, salt int64) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		b := types.NewBlock(parent, salt+int64(i), testWitness, 11, nil)
		blocks = append(blocks, b)
		parent = b.ID()
	}
	return blocks
}

func blockIDs(blocks []*types.Block) []types.BlockID {
	ids := make([]types.BlockID, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID())
	}
	return ids
}

func requireIncreasing(t *testing.T, ids []types.BlockID) {
	t.Helper()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i].Num, ids[i-1].Num)
	}
}
