package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/unichain/overlay/libs/log"
)

type testService struct {
	BaseService

	started int32
	stopped int32
}

func (ts *testService) OnStart(ctx context.Context) error {
	atomic.AddInt32(&ts.started, 1)
	go func() { <-ctx.Done() }()
	return nil
}

func (ts *testService) OnStop() { atomic.AddInt32(&ts.stopped, 1) }

func newTestService(t *testing.T) *testService {
	ts := &testService{}
	ts.BaseService = *NewBaseService(log.NewTestingLogger(t), "TestService", ts)
	return ts
}

func TestBaseServiceWait(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(t)
	require.NoError(t, ts.Start(ctx))

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
}

func TestBaseServiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(t)
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)

	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, ts.Stop())
	require.False(t, ts.IsRunning())
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStopped)

	require.EqualValues(t, 1, atomic.LoadInt32(&ts.started))
	require.EqualValues(t, 1, atomic.LoadInt32(&ts.stopped))
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService(t)
	require.NoError(t, ts.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !ts.IsRunning() }, time.Second, 10*time.Millisecond)
	ts.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&ts.stopped))
}
