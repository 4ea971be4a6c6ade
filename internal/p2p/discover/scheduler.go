package discover

import (
	"sync"
	"time"
)

// Scheduler runs one-shot callbacks. AfterFunc returns false, without
// scheduling, once the scheduler is shut down.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) bool
}

// timerScheduler is a Scheduler backed by time.AfterFunc whose pending
// timers are all released on Stop.
type timerScheduler struct {
	mtx     sync.Mutex
	stopped bool
	nextID  uint64
	timers  map[uint64]*time.Timer
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{timers: make(map[uint64]*time.Timer)}
}

func (s *timerScheduler) AfterFunc(d time.Duration, f func()) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.stopped {
		return false
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(d, func() {
		s.mtx.Lock()
		_, ok := s.timers[id]
		delete(s.timers, id)
		s.mtx.Unlock()

		if ok {
			f()
		}
	})
	return true
}

// Stop cancels every pending timer. Later calls to AfterFunc are no-ops.
func (s *timerScheduler) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
