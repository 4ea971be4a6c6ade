package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeIDByteLength is the length of a node identity: an uncompressed
// secp256k1 public key without its 0x04 prefix.
const NodeIDByteLength = 64

// NodeID is the network identity of a remote participant.
type NodeID [NodeIDByteLength]byte

// ParseNodeID parses a hex encoded node id.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(bz) != NodeIDByteLength {
		return id, fmt.Errorf("invalid node id %q: length %d, want %d", s, len(bz), NodeIDByteLength)
	}
	copy(id[:], bz)
	return id, nil
}

// NodeIDFromBytes copies bz into a NodeID.
func NodeIDFromBytes(bz []byte) (NodeID, error) {
	var id NodeID
	if len(bz) != NodeIDByteLength {
		return id, fmt.Errorf("invalid node id length %d, want %d", len(bz), NodeIDByteLength)
	}
	copy(id[:], bz)
	return id, nil
}

func (id NodeID) IsZero() bool { return id == NodeID{} }

func (id NodeID) Bytes() []byte { return id[:] }

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// ShortString is the first eight hex characters of the id, for logs.
func (id NodeID) ShortString() string { return hex.EncodeToString(id[:4]) }
