package discover

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/unichain/overlay/types"
)

// State is the liveness and table membership state of a remote node.
type State uint8

const (
	// Discovered nodes were just learned from a ping or a neighbors reply.
	// A ping is outstanding; a pong makes the node Alive, running out of
	// retries makes it Dead.
	Discovered State = iota
	// Dead nodes never answered. Terminal until the node pings us again.
	Dead
	// Alive nodes answered and are candidates for the routing table. If
	// their bucket is full they wait for the outcome of a challenge.
	Alive
	// Active nodes are resident in the routing table.
	Active
	// EvictCandidate nodes are resident but must answer a ping to keep
	// their slot against a challenger.
	EvictCandidate
	// NonActive nodes lost a challenge or speak another protocol version.
	NonActive
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Dead:
		return "dead"
	case Alive:
		return "alive"
	case Active:
		return "active"
	case EvictCandidate:
		return "evict_candidate"
	case NonActive:
		return "non_active"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Handler tracks one remote endpoint. Every method must be called with the
// owning Manager's lock held; timer callbacks acquire it themselves.
type Handler struct {
	mgr *Manager
	key string

	sourceNode *Node
	node       *Node
	state      State

	// registry key of the node challenging us for our table slot
	challenger string

	pingTrials       int
	waitForPong      atomic.Bool
	waitForNeighbors atomic.Bool
	pingSent         time.Time
	pingSequence     int64
	findNodeSequence int64

	stats *Statistics
}

func newHandler(mgr *Manager, node, sourceNode *Node) *Handler {
	return &Handler{
		mgr:        mgr,
		key:        node.Key(),
		node:       node,
		sourceNode: sourceNode,
		pingTrials: mgr.cfg.PingTrials,
		stats:      newStatistics(),
	}
}

// Node returns a copy of the remote node.
func (h *Handler) Node() *Node { return h.node.Copy() }

// State returns the current state.
func (h *Handler) State() State { return h.state }

func (h *Handler) String() string {
	return fmt.Sprintf("Handler{%v %v}", h.node, h.state)
}

func (h *Handler) challengeWith(challenger *Handler) {
	h.challenger = challenger.key
	h.changeState(EvictCandidate)
}

// changeState applies a transition together with its table side effects.
func (h *Handler) changeState(newState State) {
	oldState := h.state

	if newState == Discovered {
		if h.sourceNode != nil && h.sourceNode.Port != h.node.Port {
			// the advertised endpoint does not match where the datagram came from
			h.mgr.logger.Debug("source port mismatch", "node", h.node, "source", h.sourceNode)
			h.setState(Dead)
			return
		}
		h.pingTrials = h.mgr.cfg.PingTrials
		h.sendPing()
	}

	if !h.node.IsDiscoveryOnly() {
		if newState == Alive {
			if owner := h.residentOwner(); owner != nil {
				h.mgr.logger.Debug("node id resident under another endpoint", "node", h.node, "resident", owner.node)
				newState = NonActive
			} else if evict := h.admit(); evict == nil {
				newState = Active
			} else if eh := h.mgr.residents[evict.ID]; eh != nil && eh != h && eh.state != EvictCandidate {
				eh.challengeWith(h)
			} else {
				h.mgr.awaitAdmission(h)
			}
		}

		if newState == Active {
			switch oldState {
			case Alive:
				// won the challenge
				if h.residentOwner() != nil {
					newState = NonActive
				} else if evict := h.admit(); evict != nil {
					newState = Alive
				}
			case EvictCandidate:
				// already resident, whoever challenged us lost
				if c := h.takeChallenger(); c != nil && c.state == Alive {
					c.changeState(NonActive)
				}
			}
		}

		if newState == NonActive {
			switch oldState {
			case EvictCandidate:
				// lost the challenge
				h.drop()
				if c := h.takeChallenger(); c != nil && c.state == Alive {
					c.changeState(Active)
				}
			case Active:
				h.drop()
			}
		}
	}

	if newState == EvictCandidate {
		h.pingTrials = h.mgr.cfg.PingTrials
		h.sendPing()
	}

	h.setState(newState)

	if oldState == EvictCandidate && newState != EvictCandidate {
		h.mgr.retryAdmissions()
	}
}

// residentOwner returns the other handler whose node holds our id in the
// table, if any.
func (h *Handler) residentOwner() *Handler {
	if owner, ok := h.mgr.residents[h.node.ID]; ok && owner != h {
		return owner
	}
	return nil
}

// admit adds the node to the table and records h as the owner of its id.
// The eviction candidate is returned when the bucket is full.
func (h *Handler) admit() *Node {
	evict := h.mgr.table.Add(h.node)
	if evict == nil {
		h.mgr.residents[h.node.ID] = h
	}
	return evict
}

func (h *Handler) drop() {
	if h.mgr.residents[h.node.ID] != h {
		return
	}
	h.mgr.table.Drop(h.node)
	delete(h.mgr.residents, h.node.ID)
}

func (h *Handler) setState(s State) {
	if h.state != s {
		h.mgr.metrics.StateTransitions.With("to", s.String()).Add(1)
	}
	h.state = s
}

func (h *Handler) takeChallenger() *Handler {
	if h.challenger == "" {
		return nil
	}
	c := h.mgr.handlers[h.challenger]
	h.challenger = ""
	return c
}

func (h *Handler) handlePing(msg *Ping) {
	if h.mgr.table.Self().ID != h.node.ID {
		h.sendPong(msg.Timestamp)
	}
	h.node.Version = msg.Version
	if !h.node.IsConnectible(h.mgr.networkVersion) {
		h.changeState(NonActive)
	} else if h.state == NonActive || h.state == Dead {
		h.changeState(Discovered)
	}
}

func (h *Handler) handlePong(msg *Pong) {
	if !h.node.IsDiscoveryOnly() && msg.From.ID != h.node.ID {
		// the id is fixed by the first handshake
		h.mgr.logger.Info("pong with mismatched node id", "node", h.node, "id", msg.From.ID.ShortString())
		return
	}
	if msg.Timestamp != h.pingSequence || !h.waitForPong.CompareAndSwap(true, false) {
		h.mgr.logger.Debug("unexpected pong", "node", h.node, "timestamp", msg.Timestamp)
		return
	}

	now := h.mgr.now()
	latency := now.Sub(h.pingSent)
	h.stats.PongLatency.add(latency)
	h.stats.LastPongReply = now
	h.mgr.metrics.PongLatency.Observe(latency.Seconds())

	if h.node.IsDiscoveryOnly() && !msg.From.ID.IsZero() {
		h.node.ID = msg.From.ID
		h.node.discoveryOnly = false
	}
	h.node.Version = msg.Version
	if !h.node.IsConnectible(h.mgr.networkVersion) {
		h.changeState(NonActive)
	} else {
		h.changeState(Alive)
	}
}

func (h *Handler) handleNeighbors(msg *Neighbors) {
	if msg.Timestamp != h.findNodeSequence || !h.waitForNeighbors.CompareAndSwap(true, false) {
		h.mgr.logger.Info("received neighbors without sending find node", "node", h.node)
		return
	}
	for _, n := range msg.Nodes {
		if n == nil || n.ID == h.mgr.self.ID {
			continue
		}
		h.mgr.handlerFor(n, nil)
	}
}

func (h *Handler) handleFindNode(msg *FindNode) {
	h.sendNeighbors(h.mgr.table.Closest(msg.Target), msg.Timestamp)
}

func (h *Handler) handleTimedOut() {
	h.waitForPong.Store(false)
	h.pingTrials--
	if h.pingTrials > 0 {
		h.sendPing()
		return
	}

	switch h.state {
	case Discovered:
		h.changeState(Dead)
	case EvictCandidate:
		h.changeState(NonActive)
	}
}

func (h *Handler) sendPing() {
	seq := h.mgr.nextSequence()
	h.pingSequence = seq
	h.waitForPong.Store(true)
	h.pingSent = h.mgr.now()
	h.send(&Ping{
		From:      h.mgr.self,
		To:        h.node.Copy(),
		Timestamp: seq,
		Version:   h.mgr.networkVersion,
	})

	h.mgr.scheduler.AfterFunc(h.mgr.cfg.PingTimeout, func() {
		h.mgr.mtx.Lock()
		defer h.mgr.mtx.Unlock()

		if h.pingSequence == seq && h.waitForPong.CompareAndSwap(true, false) {
			h.mgr.metrics.PingTimeouts.Add(1)
			h.handleTimedOut()
		}
	})
}

func (h *Handler) sendPong(seq int64) {
	h.send(&Pong{From: h.mgr.self, Timestamp: seq, Version: h.mgr.networkVersion})
}

func (h *Handler) sendFindNode(target types.NodeID) {
	seq := h.mgr.nextSequence()
	h.findNodeSequence = seq
	h.waitForNeighbors.Store(true)
	h.send(&FindNode{From: h.mgr.self, Target: target, Timestamp: seq})
}

func (h *Handler) sendNeighbors(nodes []*Node, seq int64) {
	h.send(&Neighbors{From: h.mgr.self, Nodes: nodes, Timestamp: seq})
}

func (h *Handler) send(msg Message) {
	h.mgr.transport.Send(h.node.UDPAddr(), msg)
	h.stats.Sent[msg.Type()]++
	h.mgr.metrics.MessagesSent.With("type", msg.Type().String()).Add(1)
}
