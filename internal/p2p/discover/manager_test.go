package discover

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/libs/log"
)

func TestNewManagerRejectsAnonymousSelf(t *testing.T) {
	_, err := NewManager(log.NewNopLogger(), config.TestDiscoveryConfig(),
		NewBootNode(net.IPv4(127, 0, 0, 1), 1), testNetworkVersion, newFakeTransport())
	assert.Error(t, err)
}

func TestManagerPingsBootnodesOnStart(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	cfg := config.TestDiscoveryConfig()
	cfg.Bootnodes = "10.0.0.100:18888,127.0.0.1:18888"
	mgr, err := NewManager(log.NewNopLogger(), cfg, testSelf(), testNetworkVersion, transport,
		WithScheduler(&fakeScheduler{}))
	require.NoError(t, err)

	require.NoError(t, mgr.Start(ctx))

	boot, err := ParseBootNode("10.0.0.100:18888")
	require.NoError(t, err)
	require.Len(t, transport.sentTo(boot, PingType), 1)

	// our own address is never a bootnode
	_, ok := mgr.NodeState(testSelf())
	assert.False(t, ok)

	// inbound datagrams are routed from the transport
	n := testNode(1)
	transport.in <- InboundMessage{From: n.UDPAddr(), Message: &Ping{From: n, To: testSelf(), Timestamp: 3, Version: testNetworkVersion}}
	require.Eventually(t, func() bool {
		return len(transport.sentTo(n, PongType)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop())
	assert.False(t, mgr.IsRunning())
}

func TestManagerPersistsLiveNodes(t *testing.T) {
	defer leaktest.Check(t)()

	db := dbm.NewMemDB()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, nil, WithNodeDB(db))
	require.NoError(t, env.mgr.Start(ctx))

	alive, dead := testNode(1), testNode(2)
	env.discover(alive)
	env.pong(t, alive)
	env.discover(dead)
	for i := 0; i < 3; i++ {
		env.scheduler.fireAll()
	}
	env.requireState(t, alive, Active)
	env.requireState(t, dead, Dead)

	require.NoError(t, env.mgr.Stop())

	records, err := newNodeDB(db).load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, alive.ID, records[0].Node.ID)
	assert.Equal(t, Active, records[0].State)

	// a restarted manager verifies them again before use
	restarted := newTestEnv(t, nil, WithNodeDB(db))
	require.NoError(t, restarted.mgr.Start(ctx))
	defer func() { _ = restarted.mgr.Stop() }()

	restarted.requireState(t, alive, Discovered)
	require.Len(t, restarted.transport.sentTo(alive, PingType), 1)
	_, ok := restarted.mgr.NodeState(dead)
	assert.False(t, ok)
}

func TestManagerLookupAsksClosestNodes(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.DiscoveryConfig) { cfg.LookupFanout = 2 })

	nodes := []*Node{testNode(1), testNode(2), testNode(3)}
	for _, n := range nodes {
		env.discover(n)
		env.pong(t, n)
	}

	env.mgr.lookup()

	asked := 0
	for _, n := range nodes {
		asked += len(env.transport.sentTo(n, FindNodeType))
	}
	assert.Equal(t, 2, asked)
}

func TestTimerScheduler(t *testing.T) {
	defer leaktest.Check(t)()

	s := newTimerScheduler()
	fired := make(chan struct{})
	require.True(t, s.AfterFunc(time.Millisecond, func() { close(fired) }))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	require.True(t, s.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") }))
	s.Stop()
	assert.False(t, s.AfterFunc(time.Millisecond, func() {}))
}

func TestManagerRunRecoveredSwallowsPanic(t *testing.T) {
	env := newTestEnv(t, nil)

	ran := false
	assert.NotPanics(t, func() {
		env.mgr.runRecovered("lookup", func() { panic("lookup failed") })
	})
	env.mgr.runRecovered("lookup", func() { ran = true })
	assert.True(t, ran)
}
