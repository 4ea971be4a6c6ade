package store

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/types"
)

var testWitness = []byte{0x41, 0x01}

type recordingObserver struct {
	updates []types.BlockID
}

func (o *recordingObserver) Update(b *types.Block) error {
	o.updates = append(o.updates, b.ID())
	return nil
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

func newTestStore(t *testing.T, options ...Option) (*BlockStore, *types.Block, dbm.DB) {
	t.Helper()
	db := dbm.NewMemDB()
	genesis := types.NewGenesisBlock(1)
	bs, err := NewBlockStore(db, genesis, options...)
	require.NoError(t, err)
	return bs, genesis, db
}

func TestNewBlockStoreBootstrapsGenesis(t *testing.T) {
	bs, genesis, db := newTestStore(t)

	assert.Equal(t, genesis.ID(), bs.HeadBlockID())
	assert.Equal(t, genesis.ID(), bs.GenesisBlockID())
	assert.True(t, bs.ContainsInMainChain(genesis.ID()))

	// reopening keeps the head
	blocks := makeChain(genesis.ID(), 3, 10)
	for _, b := range blocks {
		require.NoError(t, bs.ProcessBlock(b))
	}
	reopened, err := NewBlockStore(db, genesis)
	require.NoError(t, err)
	assert.Equal(t, blocks[2].ID(), reopened.HeadBlockID())

	_, err = NewBlockStore(db, types.NewGenesisBlock(2))
	assert.Error(t, err)
}

func TestProcessBlockExtendsHead(t *testing.T) {
	obs := &recordingObserver{}
	bs, genesis, _ := newTestStore(t, WithHeadObserver(obs))

	blocks := makeChain(genesis.ID(), 5, 10)
	for _, b := range blocks {
		require.NoError(t, bs.ProcessBlock(b))
	}
	// duplicate is a no-op
	require.NoError(t, bs.ProcessBlock(blocks[2]))

	assert.Equal(t, blocks[4].ID(), bs.HeadBlockID())
	require.Len(t, obs.updates, 5)
	for i, b := range blocks {
		assert.Equal(t, b.ID(), obs.updates[i])
		id, err := bs.BlockIDByNum(int64(i + 1))
		require.NoError(t, err)
		assert.Equal(t, b.ID(), id)
	}

	got, err := bs.BlockByID(blocks[3].ID())
	require.NoError(t, err)
	assert.Equal(t, blocks[3].ID(), got.ID())

	_, err = bs.BlockIDByNum(6)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestProcessBlockRejects(t *testing.T) {
	bs, genesis, _ := newTestStore(t, WithValidator(func(b *types.Block) error {
		if b.Version() < 5 {
			return errors.New("old version")
		}
		return nil
	}))

	orphan := types.NewBlock(types.BlockID{Hash: [32]byte{9}, Num: 4}, 1, testWitness, 11, nil)
	assert.True(t, errors.Is(bs.ProcessBlock(orphan), ErrUnlinkedBlock))

	bad := types.NewBlock(genesis.ID(), 1, testWitness, 1, nil)
	assert.True(t, errors.Is(bs.ProcessBlock(bad), ErrInvalidBlock))
	assert.False(t, bs.HasBlock(bad.ID()))
}

func TestProcessBlockRejectsHeightGap(t *testing.T) {
	bs, genesis, _ := newTestStore(t)
	for _, b := range makeChain(genesis.ID(), 5, 10) {
		require.NoError(t, bs.ProcessBlock(b))
	}
	head := bs.HeadBlockID()

	// parent hash is the head but the height skips one
	skewed := types.BlockID{Hash: head.Hash, Num: head.Num + 1}
	gap := types.NewBlock(skewed, 99, testWitness, 11, nil)
	require.EqualValues(t, 7, gap.Header.Num)

	assert.True(t, errors.Is(bs.ProcessBlock(gap), ErrInvalidBlock))
	assert.Equal(t, head, bs.HeadBlockID())
	assert.False(t, bs.HasBlock(gap.ID()))
	for n := int64(0); n <= head.Num; n++ {
		_, err := bs.BlockIDByNum(n)
		require.NoError(t, err)
	}

	// a stored hash at the wrong height is not a known block
	assert.False(t, bs.HasBlock(skewed))
	_, err := bs.BlockByID(skewed)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestProcessBlockSwitchesToLongerBranch(t *testing.T) {
	obs := &recordingObserver{}
	bs, genesis, _ := newTestStore(t, WithHeadObserver(obs))

	main := makeChain(genesis.ID(), 3, 10)
	for _, b := range main {
		require.NoError(t, bs.ProcessBlock(b))
	}
	side := makeChain(main[0].ID(), 3, 100)

	// an equal length branch does not take over
	require.NoError(t, bs.ProcessBlock(side[0]))
	require.NoError(t, bs.ProcessBlock(side[1]))
	assert.Equal(t, main[2].ID(), bs.HeadBlockID())
	assert.True(t, bs.HasBlock(side[1].ID()))
	assert.False(t, bs.ContainsInMainChain(side[1].ID()))

	fork, err := bs.ForkSince(side[1].ID())
	require.NoError(t, err)
	if diff := cmp.Diff([]types.BlockID{main[0].ID(), side[0].ID(), side[1].ID()}, fork); diff != "" {
		t.Errorf("fork of side branch (-want, +got):\n%s", diff)
	}

	obs.updates = nil
	require.NoError(t, bs.ProcessBlock(side[2]))
	assert.Equal(t, side[2].ID(), bs.HeadBlockID())
	assert.Equal(t, []types.BlockID{side[0].ID(), side[1].ID(), side[2].ID()}, obs.updates)
	assert.True(t, bs.ContainsInMainChain(side[0].ID()))
	assert.False(t, bs.ContainsInMainChain(main[1].ID()))

	fork, err = bs.ForkSince(main[2].ID())
	require.NoError(t, err)
	if diff := cmp.Diff([]types.BlockID{main[0].ID(), main[1].ID(), main[2].ID()}, fork); diff != "" {
		t.Errorf("fork of abandoned branch (-want, +got):\n%s", diff)
	}
}

func TestForkSinceUnknownAndMain(t *testing.T) {
	bs, genesis, _ := newTestStore(t)

	fork, err := bs.ForkSince(types.BlockID{Hash: [32]byte{1}, Num: 7})
	require.NoError(t, err)
	assert.Empty(t, fork)

	fork, err = bs.ForkSince(genesis.ID())
	require.NoError(t, err)
	assert.Equal(t, []types.BlockID{genesis.ID()}, fork)
}

func TestSyncBeginNumber(t *testing.T) {
	bs, genesis, _ := newTestStore(t, WithSolidifiedDepth(2))
	assert.EqualValues(t, 0, bs.SyncBeginNumber())

	for _, b := range makeChain(genesis.ID(), 5, 10) {
		require.NoError(t, bs.ProcessBlock(b))
	}
	assert.EqualValues(t, 3, bs.SyncBeginNumber())
}
