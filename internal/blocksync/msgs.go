package blocksync

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/unichain/overlay/types"
)

// MsgType identifies a sync message on the wire.
type MsgType uint8

const (
	SyncChainSummaryType MsgType = iota + 1
	ChainInventoryType
	FetchInvDataType
	BlockType
)

func (t MsgType) String() string {
	switch t {
	case SyncChainSummaryType:
		return "sync_chain_summary"
	case ChainInventoryType:
		return "chain_inventory"
	case FetchInvDataType:
		return "fetch_inv_data"
	case BlockType:
		return "block"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// InventoryType is the kind of object a FetchInvData asks for.
type InventoryType uint8

const (
	InventoryBlock InventoryType = iota + 1
)

// ErrUnknownMessage is returned when decoding an unknown message type.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is a synchronization message.
type Message interface {
	Type() MsgType
}

// SyncChainSummary asks the peer for the ids following the highest summary
// id it has on its main chain.
type SyncChainSummary struct {
	IDs []types.BlockID `cbor:"1,keyasint"`
}

// ChainInventory answers a SyncChainSummary with consecutive ids. Remain is
// the number of blocks the sender holds past the last id.
type ChainInventory struct {
	IDs    []types.BlockID `cbor:"1,keyasint"`
	Remain int64           `cbor:"2,keyasint"`
}

// FetchInvData requests objects by id.
type FetchInvData struct {
	IDs  []types.BlockID `cbor:"1,keyasint"`
	Kind InventoryType   `cbor:"2,keyasint"`
}

// BlockMessage carries a single block.
type BlockMessage struct {
	Block *types.Block `cbor:"1,keyasint"`
}

func (*SyncChainSummary) Type() MsgType { return SyncChainSummaryType }
func (*ChainInventory) Type() MsgType   { return ChainInventoryType }
func (*FetchInvData) Type() MsgType     { return FetchInvDataType }
func (*BlockMessage) Type() MsgType     { return BlockType }

type envelope struct {
	Type    MsgType         `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// EncodeMessage encodes msg for the wire.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %v: %w", msg.Type(), err)
	}
	return cbor.Marshal(envelope{Type: msg.Type(), Payload: payload})
}

// DecodeMessage decodes a message produced by EncodeMessage.
func DecodeMessage(bz []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(bz, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case SyncChainSummaryType:
		msg = new(SyncChainSummary)
	case ChainInventoryType:
		msg = new(ChainInventory)
	case FetchInvDataType:
		msg = new(FetchInvData)
	case BlockType:
		msg = new(BlockMessage)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, env.Type)
	}
	if err := cbor.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decoding %v: %w", env.Type, err)
	}
	if bm, ok := msg.(*BlockMessage); ok && bm.Block == nil {
		return nil, errors.New("block message without block")
	}
	return msg, nil
}
