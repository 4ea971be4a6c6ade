package discover

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/types"
)

const testNetworkVersion int32 = 11

type sentMessage struct {
	to  *net.UDPAddr
	msg Message
}

type fakeTransport struct {
	mtx  sync.Mutex
	sent []sentMessage
	in   chan InboundMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan InboundMessage, 16)}
}

func (f *fakeTransport) Send(to *net.UDPAddr, msg Message) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
}

func (f *fakeTransport) Receive() <-chan InboundMessage { return f.in }

// sentTo returns every message of type typ sent to n, oldest first.
func (f *fakeTransport) sentTo(n *Node, typ MsgType) []Message {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	var msgs []Message
	for _, s := range f.sent {
		if s.to.String() == n.UDPAddr().String() && s.msg.Type() == typ {
			msgs = append(msgs, s.msg)
		}
	}
	return msgs
}

func (f *fakeTransport) lastPing(t *testing.T, n *Node) *Ping {
	t.Helper()
	pings := f.sentTo(n, PingType)
	require.NotEmpty(t, pings, "no ping sent to %v", n)
	return pings[len(pings)-1].(*Ping)
}

type fakeScheduler struct {
	mtx     sync.Mutex
	stopped bool
	tasks   []func()
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopped {
		return false
	}
	s.tasks = append(s.tasks, f)
	return true
}

// fireAll runs every pending callback. Callbacks scheduled while firing wait
// for the next call.
func (s *fakeScheduler) fireAll() {
	s.mtx.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mtx.Unlock()

	for _, f := range tasks {
		f()
	}
}

func (s *fakeScheduler) pending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tasks)
}

func testID(b byte) types.NodeID {
	var id types.NodeID
	for i := range id {
		id[i] = b
	}
	id[0] = 0xee
	return id
}

func testNode(b byte) *Node {
	return NewNode(testID(b), net.IPv4(10, 0, 0, b).To4(), 18888, testNetworkVersion)
}

func testSelf() *Node {
	return NewNode(testID(0), net.IPv4(127, 0, 0, 1).To4(), 18888, testNetworkVersion)
}

type testEnv struct {
	mgr       *Manager
	transport *fakeTransport
	scheduler *fakeScheduler
}

func newTestEnv(t *testing.T, mutate func(*config.DiscoveryConfig), opts ...ManagerOption) *testEnv {
	t.Helper()

	cfg := config.TestDiscoveryConfig()
	if mutate != nil {
		mutate(cfg)
	}
	env := &testEnv{transport: newFakeTransport(), scheduler: &fakeScheduler{}}
	opts = append([]ManagerOption{WithScheduler(env.scheduler)}, opts...)

	mgr, err := NewManager(log.NewTestingLogger(t), cfg, testSelf(), testNetworkVersion, env.transport, opts...)
	require.NoError(t, err)
	env.mgr = mgr
	return env
}

// discover creates the handler for n as if it had been gossiped to us.
func (e *testEnv) discover(n *Node) {
	e.mgr.mtx.Lock()
	defer e.mgr.mtx.Unlock()
	e.mgr.handlerFor(n, nil)
}

func (e *testEnv) deliver(from *Node, msg Message) {
	e.mgr.handleInbound(InboundMessage{From: from.UDPAddr(), Message: msg})
}

// pong answers the last ping sent to n.
func (e *testEnv) pong(t *testing.T, n *Node) {
	t.Helper()
	ping := e.transport.lastPing(t, n)
	e.deliver(n, &Pong{From: n, Timestamp: ping.Timestamp, Version: testNetworkVersion})
}

func (e *testEnv) requireState(t *testing.T, n *Node, want State) {
	t.Helper()
	got, ok := e.mgr.NodeState(n)
	require.True(t, ok, "no handler for %v", n)
	require.Equal(t, want, got, "state of %v", n)
}

// sameBucketNodes returns count test nodes that hash into the same table
// bucket.
func sameBucketNodes(t *testing.T, tab *Table, count int) []*Node {
	t.Helper()

	byBucket := make(map[*bucket][]*Node)
	for b := byte(1); b < 250; b++ {
		n := testNode(b)
		bk := tab.bucket(hashID(n.ID))
		byBucket[bk] = append(byBucket[bk], n)
		if len(byBucket[bk]) == count {
			return byBucket[bk]
		}
	}
	t.Fatalf("could not find %d nodes in one bucket", count)
	return nil
}
