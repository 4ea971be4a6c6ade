package discover

import (
	"math/bits"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/unichain/overlay/types"
)

const (
	hashBits          = 256
	nBuckets          = hashBits / 15       // Number of buckets
	bucketMinDistance = hashBits - nBuckets // Log distance of closest bucket
)

type nodeHash [32]byte

func hashID(id types.NodeID) nodeHash {
	var h nodeHash
	d := sha3.NewLegacyKeccak256()
	d.Write(id[:])
	d.Sum(h[:0])
	return h
}

type tableEntry struct {
	node *Node
	sha  nodeHash
}

type bucket struct {
	entries []*tableEntry // live entries, sorted by time of last contact
}

// Table is the Kademlia routing table: nodes are sorted into buckets by the
// log distance of their hashed id to our own.
type Table struct {
	mtx        sync.Mutex
	self       *Node
	selfSha    nodeHash
	bucketSize int
	buckets    [nBuckets]*bucket
}

// NewTable creates an empty table around self.
func NewTable(self *Node, bucketSize int) *Table {
	t := &Table{
		self:       self.Copy(),
		selfSha:    hashID(self.ID),
		bucketSize: bucketSize,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Self returns the local node.
func (t *Table) Self() *Node { return t.self }

// Add inserts n at the front of its bucket, or moves it there if it is
// already present. If the bucket is full the least recently seen entry is
// returned as eviction candidate and n is not added.
func (t *Table) Add(n *Node) *Node {
	if n.ID == t.self.ID || n.ID.IsZero() {
		return nil
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	e := &tableEntry{node: n.Copy(), sha: hashID(n.ID)}
	b := t.bucket(e.sha)
	if b.bump(e) {
		return nil
	}
	if len(b.entries) >= t.bucketSize {
		return b.entries[len(b.entries)-1].node.Copy()
	}
	b.entries = append(b.entries, nil)
	copy(b.entries[1:], b.entries)
	b.entries[0] = e
	return nil
}

// Drop removes n from the table.
func (t *Table) Drop(n *Node) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	b := t.bucket(hashID(n.ID))
	for i := range b.entries {
		if b.entries[i].node.ID == n.ID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Contains reports whether a node with the given id is resident.
func (t *Table) Contains(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, e := range t.bucket(hashID(id)).entries {
		if e.node.ID == id {
			return true
		}
	}
	return false
}

// Closest returns up to bucketSize resident nodes ordered by distance to
// target.
func (t *Table) Closest(target types.NodeID) []*Node {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	res := &nodesByDistance{target: hashID(target)}
	for _, b := range t.buckets {
		for _, e := range b.entries {
			res.push(e, t.bucketSize)
		}
	}
	nodes := make([]*Node, len(res.entries))
	for i, e := range res.entries {
		nodes[i] = e.node.Copy()
	}
	return nodes
}

// Nodes returns every resident node.
func (t *Table) Nodes() []*Node {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var nodes []*Node
	for _, b := range t.buckets {
		for _, e := range b.entries {
			nodes = append(nodes, e.node.Copy())
		}
	}
	return nodes
}

// Len returns the number of resident nodes.
func (t *Table) Len() (n int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

func (t *Table) bucket(sha nodeHash) *bucket {
	d := logdist(t.selfSha, sha)
	if d <= bucketMinDistance {
		return t.buckets[0]
	}
	return t.buckets[d-bucketMinDistance-1]
}

// bump moves e to the front of the bucket if a node with the same id is
// present, refreshing its endpoint.
func (b *bucket) bump(e *tableEntry) bool {
	for i := range b.entries {
		if b.entries[i].node.ID == e.node.ID {
			copy(b.entries[1:], b.entries[:i])
			b.entries[0] = e
			return true
		}
	}
	return false
}

// nodesByDistance is a list of entries, ordered by distance to target.
type nodesByDistance struct {
	entries []*tableEntry
	target  nodeHash
}

// push adds the given entry to the list, keeping the total size below
// maxElems.
func (h *nodesByDistance) push(e *tableEntry, maxElems int) {
	ix := sort.Search(len(h.entries), func(i int) bool {
		return distcmp(h.target, h.entries[i].sha, e.sha) > 0
	})
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, e)
	}
	if ix < len(h.entries) {
		// slide existing entries down to make room, this overwrites the
		// entry we just appended
		copy(h.entries[ix+1:], h.entries[ix:])
		h.entries[ix] = e
	}
}

// logdist returns the logarithmic distance between a and b, log2(a ^ b).
func logdist(a, b nodeHash) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(x)
			break
		}
	}
	return len(a)*8 - lz
}

// distcmp compares the distances a->target and b->target. Returns -1 if a is
// closer to target, 1 if b is closer to target and 0 if they are equal.
func distcmp(target, a, b nodeHash) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da > db {
			return 1
		} else if da < db {
			return -1
		}
	}
	return 0
}
