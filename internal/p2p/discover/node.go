package discover

import (
	"fmt"
	"net"
	"strconv"

	"github.com/unichain/overlay/types"
)

// Node is a participant of the discovery network as seen from this node.
// The id and protocol version are learned from the first pong; a node
// created from an address alone is discovery-only until then.
type Node struct {
	ID      types.NodeID `cbor:"1,keyasint"`
	IP      net.IP       `cbor:"2,keyasint"`
	Port    int          `cbor:"3,keyasint"`
	Version int32        `cbor:"4,keyasint,omitempty"`

	discoveryOnly bool
}

// NewNode returns a node with a known identity.
func NewNode(id types.NodeID, ip net.IP, port int, version int32) *Node {
	return &Node{ID: id, IP: ip, Port: port, Version: version}
}

// NewBootNode returns a discovery-only node for an address whose identity is
// not known yet.
func NewBootNode(ip net.IP, port int) *Node {
	return &Node{IP: ip, Port: port, discoveryOnly: true}
}

// ParseBootNode parses a host:port pair into a discovery-only node.
func ParseBootNode(addr string) (*Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid bootnode %q: %w", addr, err)
	}
	return NewBootNode(udpAddr.IP, udpAddr.Port), nil
}

// NodeFromAddr returns a node for the observed sender of a datagram that
// claims the given identity.
func NodeFromAddr(id types.NodeID, addr *net.UDPAddr, version int32) *Node {
	n := NewNode(id, addr.IP, addr.Port, version)
	if id.IsZero() {
		n.discoveryOnly = true
	}
	return n
}

// Key identifies the remote endpoint and is stable for the life of the node.
func (n *Node) Key() string {
	return net.JoinHostPort(n.IP.String(), strconv.Itoa(n.Port))
}

// UDPAddr is the endpoint datagrams for n are sent to.
func (n *Node) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

// IsDiscoveryOnly reports whether the node takes part in liveness checks only
// and never enters the routing table.
func (n *Node) IsDiscoveryOnly() bool { return n.discoveryOnly || n.ID.IsZero() }

// IsConnectible reports whether a persistent connection to n can be made.
func (n *Node) IsConnectible(networkVersion int32) bool {
	return n.Version == networkVersion
}

// Copy returns a deep copy of n.
func (n *Node) Copy() *Node {
	cp := *n
	cp.IP = append(net.IP(nil), n.IP...)
	return &cp
}

func (n *Node) String() string {
	if n.IsDiscoveryOnly() {
		return fmt.Sprintf("Node{?@%s}", n.Key())
	}
	return fmt.Sprintf("Node{%s@%s}", n.ID.ShortString(), n.Key())
}
