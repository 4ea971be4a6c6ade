package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a block hash.
const HashSize = 32

// BlockID identifies a block by hash and height. Two ids are equal iff both
// fields are equal, so BlockID can be used as a map key.
type BlockID struct {
	Hash [HashSize]byte `cbor:"1,keyasint"`
	Num  int64          `cbor:"2,keyasint"`
}

func (id BlockID) IsZero() bool { return id == BlockID{} }

func (id BlockID) String() string {
	return fmt.Sprintf("%d:%s", id.Num, hex.EncodeToString(id.Hash[:4]))
}

// BlockHeader carries the fields a block id is derived from.
type BlockHeader struct {
	Num        int64          `cbor:"1,keyasint"`
	ParentHash [HashSize]byte `cbor:"2,keyasint"`
	Timestamp  int64          `cbor:"3,keyasint"`
	Witness    []byte         `cbor:"4,keyasint"`
	Version    int32          `cbor:"5,keyasint"`
	TxRoot     []byte         `cbor:"6,keyasint,omitempty"`
}

// Block is a produced block as exchanged during synchronization. Transaction
// contents are opaque at this layer.
type Block struct {
	Header BlockHeader `cbor:"1,keyasint"`
	Txs    [][]byte    `cbor:"2,keyasint,omitempty"`
}

// Hash returns the keccak-256 of the canonical CBOR encoding of the header.
func (b *Block) Hash() [HashSize]byte {
	bz, err := headerEncMode.Marshal(&b.Header)
	if err != nil {
		// a header only holds fixed-shape fields
		panic(fmt.Sprintf("encoding block header: %v", err))
	}
	var h [HashSize]byte
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(bz) //nolint:errcheck // hash writes never fail
	copy(h[:], hasher.Sum(nil))
	return h
}

// ID returns the block id.
func (b *Block) ID() BlockID {
	return BlockID{Hash: b.Hash(), Num: b.Header.Num}
}

// ParentID returns the id of the parent block.
func (b *Block) ParentID() BlockID {
	return BlockID{Hash: b.Header.ParentHash, Num: b.Header.Num - 1}
}

// WitnessAddress returns the producer of the block.
func (b *Block) WitnessAddress() []byte { return b.Header.Witness }

// Version returns the protocol version the producer declared.
func (b *Block) Version() int32 { return b.Header.Version }

// ProducedBy reports whether the block was produced by witness.
func (b *Block) ProducedBy(witness []byte) bool {
	return bytes.Equal(b.Header.Witness, witness)
}

var headerEncMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewBlock builds a child of parent.
func NewBlock(parent BlockID, timestamp int64, witness []byte, version int32, txs [][]byte) *Block {
	return &Block{
		Header: BlockHeader{
			Num:        parent.Num + 1,
			ParentHash: parent.Hash,
			Timestamp:  timestamp,
			Witness:    witness,
			Version:    version,
		},
		Txs: txs,
	}
}

// NewGenesisBlock returns the height zero block of a chain.
func NewGenesisBlock(timestamp int64) *Block {
	return &Block{Header: BlockHeader{Num: 0, Timestamp: timestamp}}
}
