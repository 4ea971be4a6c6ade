package service

import (
	"context"
	"errors"
	"sync"

	"github.com/unichain/overlay/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Stop shuts the service down and waits for OnStop to return.
	Stop() error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled or Stop is called.
	OnStop()
}

// BaseService tracks the lifecycle of a long running component. OnStart is
// handed a context that is canceled when the service stops, so goroutines
// spawned there only need to watch ctx.Done().
//
//	type Pinger struct {
//		service.BaseService
//	}
//
//	func NewPinger(logger log.Logger) *Pinger {
//		p := &Pinger{}
//		p.BaseService = *service.NewBaseService(logger, "Pinger", p)
//		return p
//	}
//
// A service cannot be restarted once stopped.
type BaseService struct {
	logger log.Logger
	name   string
	impl   Implementation

	mtx     sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	quit    chan struct{}
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
		quit:   make(chan struct{}),
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	if bs.stopped {
		bs.mtx.Unlock()
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}
	if bs.started {
		bs.mtx.Unlock()
		return ErrAlreadyStarted
	}

	srvCtx, cancel := context.WithCancel(ctx)
	bs.started = true
	bs.cancel = cancel
	bs.mtx.Unlock()

	bs.logger.Info("starting service", "service", bs.name)

	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		bs.mtx.Lock()
		bs.started = false
		bs.mtx.Unlock()
		return err
	}

	go func() {
		select {
		case <-bs.quit:
			// someone else explicitly called stop
		case <-srvCtx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopped service", "err", err.Error(), "service", bs.name)
			}
		}
	}()

	return nil
}

// Stop implements Service by calling OnStop and closing the quit channel. An
// error will be returned if the service was never started or is already
// stopped.
func (bs *BaseService) Stop() error {
	bs.mtx.Lock()
	if !bs.started {
		bs.mtx.Unlock()
		return ErrNotStarted
	}
	if bs.stopped {
		bs.mtx.Unlock()
		return ErrAlreadyStopped
	}
	bs.stopped = true
	bs.mtx.Unlock()

	bs.logger.Info("stopping service", "service", bs.name)
	bs.cancel()
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.started && !bs.stopped
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
