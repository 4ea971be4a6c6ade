package p2p

import "fmt"

// ReasonCode tells a peer why its connection is being closed.
type ReasonCode uint8

const (
	ReasonRequested ReasonCode = iota + 1
	ReasonBadProtocol
	ReasonTooManyPeers
	ReasonDuplicatePeer
	ReasonIncompatibleVersion
	ReasonSyncFail
	ReasonBadBlock
	ReasonTimeout
	ReasonUnknown ReasonCode = 0xff
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonRequested:
		return "REQUESTED"
	case ReasonBadProtocol:
		return "BAD_PROTOCOL"
	case ReasonTooManyPeers:
		return "TOO_MANY_PEERS"
	case ReasonDuplicatePeer:
		return "DUPLICATE_PEER"
	case ReasonIncompatibleVersion:
		return "INCOMPATIBLE_VERSION"
	case ReasonSyncFail:
		return "SYNC_FAIL"
	case ReasonBadBlock:
		return "BAD_BLOCK"
	case ReasonTimeout:
		return "TIME_OUT"
	case ReasonUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("ReasonCode(%d)", uint8(r))
	}
}
