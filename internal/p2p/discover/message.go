package discover

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/unichain/overlay/types"
)

// MsgType identifies a discovery datagram.
type MsgType uint8

const (
	PingType MsgType = iota + 1
	PongType
	FindNodeType
	NeighborsType
)

func (t MsgType) String() string {
	switch t {
	case PingType:
		return "ping"
	case PongType:
		return "pong"
	case FindNodeType:
		return "find_node"
	case NeighborsType:
		return "neighbors"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ErrUnknownMessage is returned when decoding a datagram of unknown type.
var ErrUnknownMessage = errors.New("unknown discovery message")

// Message is a discovery datagram.
type Message interface {
	Type() MsgType
	Sender() *Node
}

// Ping asks the receiver to prove liveness. Timestamp is the correlation
// nonce echoed in the pong.
type Ping struct {
	From      *Node `cbor:"1,keyasint"`
	To        *Node `cbor:"2,keyasint"`
	Timestamp int64 `cbor:"3,keyasint"`
	Version   int32 `cbor:"4,keyasint"`
}

// Pong answers a ping.
type Pong struct {
	From      *Node `cbor:"1,keyasint"`
	Timestamp int64 `cbor:"2,keyasint"`
	Version   int32 `cbor:"3,keyasint"`
}

// FindNode asks for the nodes closest to Target.
type FindNode struct {
	From      *Node        `cbor:"1,keyasint"`
	Target    types.NodeID `cbor:"2,keyasint"`
	Timestamp int64        `cbor:"3,keyasint"`
}

// Neighbors answers a find-node request.
type Neighbors struct {
	From      *Node   `cbor:"1,keyasint"`
	Nodes     []*Node `cbor:"2,keyasint"`
	Timestamp int64   `cbor:"3,keyasint"`
}

func (*Ping) Type() MsgType      { return PingType }
func (*Pong) Type() MsgType      { return PongType }
func (*FindNode) Type() MsgType  { return FindNodeType }
func (*Neighbors) Type() MsgType { return NeighborsType }

func (m *Ping) Sender() *Node      { return m.From }
func (m *Pong) Sender() *Node      { return m.From }
func (m *FindNode) Sender() *Node  { return m.From }
func (m *Neighbors) Sender() *Node { return m.From }

type envelope struct {
	Type    MsgType         `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// EncodeMessage serializes msg into a datagram.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	return cbor.Marshal(envelope{Type: msg.Type(), Payload: payload})
}

// DecodeMessage parses a datagram.
func DecodeMessage(bz []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(bz, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case PingType:
		msg = &Ping{}
	case PongType:
		msg = &Pong{}
	case FindNodeType:
		msg = &FindNode{}
	case NeighborsType:
		msg = &Neighbors{}
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnknownMessage, env.Type)
	}
	if err := cbor.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	if msg.Sender() == nil {
		return nil, fmt.Errorf("decoding %s: missing sender", env.Type)
	}
	return msg, nil
}
