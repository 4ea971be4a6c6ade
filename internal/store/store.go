package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/types"
)

var (
	// ErrUnlinkedBlock is returned for a block whose parent is unknown.
	ErrUnlinkedBlock = errors.New("parent block unknown")
	// ErrInvalidBlock is returned for a block that fails validation.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrBlockNotFound is returned when a requested block is not stored.
	ErrBlockNotFound = errors.New("block not found")
)

// HeadObserver is told about every block that becomes part of the main
// chain through ProcessBlock, in ascending order.
type HeadObserver interface {
	Update(block *types.Block) error
}

// Option sets an optional parameter on the BlockStore.
type Option func(*BlockStore)

// WithValidator runs validate on every block before it is stored.
func WithValidator(validate func(*types.Block) error) Option {
	return func(bs *BlockStore) { bs.validate = validate }
}

// WithHeadObserver reports new main chain blocks to o.
func WithHeadObserver(o HeadObserver) Option {
	return func(bs *BlockStore) { bs.observer = o }
}

// WithSolidifiedDepth sets how far below the head blocks are final.
func WithSolidifiedDepth(depth int64) Option {
	return func(bs *BlockStore) { bs.solidifiedDepth = depth }
}

/*
BlockStore is a simple low level store for blocks and the main chain.

There are three types of information stored:
  - Block:      every accepted block, main chain or side branch, by hash
  - Main chain: the hash of the main chain block at each height
  - Head:       the id of the current head block

The main chain is the longest known chain. Every height between genesis
and head has a main chain entry.

NOTE: BlockStore methods will panic if they encounter errors
deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db              dbm.DB
	validate        func(*types.Block) error
	observer        HeadObserver
	solidifiedDepth int64

	mtx     sync.RWMutex
	genesis types.BlockID
	head    types.BlockID
}

// NewBlockStore opens the chain held in db, storing genesis first if db is
// empty.
func NewBlockStore(db dbm.DB, genesis *types.Block, options ...Option) (*BlockStore, error) {
	bs := &BlockStore{db: db, genesis: genesis.ID()}
	for _, opt := range options {
		opt(bs)
	}

	bz, err := db.Get(headKey())
	if err != nil {
		return nil, err
	}
	if bz != nil {
		if err := cbor.Unmarshal(bz, &bs.head); err != nil {
			return nil, fmt.Errorf("invalid head: %w", err)
		}
		stored, err := bs.mainChainHash(0)
		if err != nil {
			return nil, err
		}
		if stored != bs.genesis.Hash {
			return nil, fmt.Errorf("database holds another chain with genesis %x", stored[:4])
		}
		return bs, nil
	}

	batch := db.NewBatch()
	defer batch.Close()
	if err := bs.saveBlockToBatch(batch, genesis); err != nil {
		return nil, err
	}
	if err := bs.setMainChain(batch, bs.genesis); err != nil {
		return nil, err
	}
	if err := bs.setHead(batch, bs.genesis); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, err
	}
	bs.head = bs.genesis
	return bs, nil
}

// HeadBlockID returns the id of the main chain head.
func (bs *BlockStore) HeadBlockID() types.BlockID {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.head
}

// GenesisBlockID returns the id of the height zero block.
func (bs *BlockStore) GenesisBlockID() types.BlockID { return bs.genesis }

// SyncBeginNumber is the lowest height offered to peers in a chain summary.
// Blocks below it are final.
func (bs *BlockStore) SyncBeginNumber() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if n := bs.head.Num - bs.solidifiedDepth; n > 0 {
		return n
	}
	return 0
}

// ContainsInMainChain reports whether id is on the main chain.
func (bs *BlockStore) ContainsInMainChain(id types.BlockID) bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.onMainChain(id)
}

// HasBlock reports whether the block is stored, on any branch.
func (bs *BlockStore) HasBlock(id types.BlockID) bool {
	_, err := bs.BlockByID(id)
	switch {
	case errors.Is(err, ErrBlockNotFound):
		return false
	case err != nil:
		panic(err)
	}
	return true
}

// BlockIDByNum returns the id of the main chain block at num.
func (bs *BlockStore) BlockIDByNum(num int64) (types.BlockID, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	if num < 0 || num > bs.head.Num {
		return types.BlockID{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, num)
	}
	hash, err := bs.mainChainHash(num)
	if err != nil {
		return types.BlockID{}, err
	}
	return types.BlockID{Hash: hash, Num: num}, nil
}

// BlockByID loads a block from any branch. Both the hash and the height of
// id must match.
func (bs *BlockStore) BlockByID(id types.BlockID) (*types.Block, error) {
	block, err := bs.blockByHash(id.Hash)
	if err != nil {
		return nil, err
	}
	if block == nil || block.Header.Num != id.Num {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, id)
	}
	return block, nil
}

// blockByHash returns nil if no block with hash is stored.
func (bs *BlockStore) blockByHash(hash [types.HashSize]byte) (*types.Block, error) {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, nil
	}
	block := new(types.Block)
	if err := cbor.Unmarshal(bz, block); err != nil {
		panic(fmt.Errorf("error reading block: %w", err))
	}
	return block, nil
}

// ForkSince returns the branch leading to id in ascending order, starting
// at the main chain block it forked from. A main chain id yields just
// itself. The result is empty if id is unknown.
func (bs *BlockStore) ForkSince(id types.BlockID) ([]types.BlockID, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	var branch []types.BlockID
	cur := id
	for !bs.onMainChain(cur) {
		block, err := bs.BlockByID(cur)
		if errors.Is(err, ErrBlockNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		branch = append(branch, cur)
		cur = block.ParentID()
	}
	branch = append(branch, cur)

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// ProcessBlock validates and stores block. If it extends the head, or
// completes a branch longer than the main chain, it becomes the new head.
// Storing a block twice is a no-op.
func (bs *BlockStore) ProcessBlock(block *types.Block) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	id := block.ID()
	if bs.HasBlock(id) {
		return nil
	}

	parent, err := bs.blockByHash(block.Header.ParentHash)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("%w: %v", ErrUnlinkedBlock, block.ParentID())
	}
	if block.Header.Num != parent.Header.Num+1 {
		return fmt.Errorf("%w: height %d on parent at height %d", ErrInvalidBlock, block.Header.Num, parent.Header.Num)
	}
	if bs.validate != nil {
		if err := bs.validate(block); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
	}

	var newMain []*types.Block
	switch {
	case block.ParentID() == bs.head:
		newMain = []*types.Block{block}
	case id.Num > bs.head.Num:
		branch, err := bs.branchTo(block)
		if err != nil {
			return err
		}
		newMain = branch
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := bs.saveBlockToBatch(batch, block); err != nil {
		return err
	}
	for _, b := range newMain {
		if err := bs.setMainChain(batch, b.ID()); err != nil {
			return err
		}
	}
	if len(newMain) > 0 {
		if err := bs.setHead(batch, id); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	if len(newMain) == 0 {
		return nil
	}

	bs.head = id
	if bs.observer != nil {
		for _, b := range newMain {
			if err := bs.observer.Update(b); err != nil {
				return fmt.Errorf("reporting block %v: %w", b.ID(), err)
			}
		}
	}
	return nil
}

// branchTo returns the blocks from just above the main chain up to and
// including tip, ascending. tip itself need not be stored.
func (bs *BlockStore) branchTo(tip *types.Block) ([]*types.Block, error) {
	branch := []*types.Block{tip}
	cur := tip.ParentID()
	for !bs.onMainChain(cur) {
		block, err := bs.BlockByID(cur)
		if err != nil {
			return nil, err
		}
		branch = append(branch, block)
		cur = block.ParentID()
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

func (bs *BlockStore) onMainChain(id types.BlockID) bool {
	if id.Num < 0 || id.Num > bs.head.Num {
		return false
	}
	hash, err := bs.mainChainHash(id.Num)
	if err != nil {
		panic(err)
	}
	return hash == id.Hash
}

func (bs *BlockStore) mainChainHash(num int64) ([types.HashSize]byte, error) {
	var hash [types.HashSize]byte
	bz, err := bs.db.Get(mainChainKey(num))
	if err != nil {
		return hash, err
	}
	if len(bz) != types.HashSize {
		return hash, fmt.Errorf("%w: main chain height %d", ErrBlockNotFound, num)
	}
	copy(hash[:], bz)
	return hash, nil
}

func (bs *BlockStore) saveBlockToBatch(batch dbm.Batch, block *types.Block) error {
	bz, err := cbor.Marshal(block)
	if err != nil {
		return err
	}
	return batch.Set(blockKey(block.Hash()), bz)
}

func (bs *BlockStore) setMainChain(batch dbm.Batch, id types.BlockID) error {
	hash := id.Hash
	return batch.Set(mainChainKey(id.Num), hash[:])
}

func (bs *BlockStore) setHead(batch dbm.Batch, id types.BlockID) error {
	bz, err := cbor.Marshal(id)
	if err != nil {
		return err
	}
	return batch.Set(headKey(), bz)
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	// prefixes are unique across all db's
	prefixBlock     = int64(0)
	prefixMainChain = int64(1)
	prefixHead      = int64(2)
)

func blockKey(hash [types.HashSize]byte) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func mainChainKey(num int64) []byte {
	key, err := orderedcode.Append(nil, prefixMainChain, num)
	if err != nil {
		panic(err)
	}
	return key
}

func headKey() []byte {
	key, err := orderedcode.Append(nil, prefixHead)
	if err != nil {
		panic(err)
	}
	return key
}
