package p2p

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/unichain/overlay/types"
)

// ChannelID is an arbitrary channel ID.
type ChannelID uint8

// Hello is exchanged by both sides right after a connection is established.
type Hello struct {
	ID         types.NodeID `cbor:"1,keyasint"`
	Version    int32        `cbor:"2,keyasint"`
	ListenPort int          `cbor:"3,keyasint"`
}

// packet is the unit of the stream. Exactly one of Payload and Disconnect
// is set.
type packet struct {
	Channel    ChannelID       `cbor:"1,keyasint,omitempty"`
	Payload    cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	Disconnect ReasonCode      `cbor:"3,keyasint,omitempty"`
}
