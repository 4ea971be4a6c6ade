package discover

import (
	"time"
)

// Latency accumulates round trip samples.
type Latency struct {
	Count int64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

func (l *Latency) add(d time.Duration) {
	if l.Count == 0 || d < l.Min {
		l.Min = d
	}
	if d > l.Max {
		l.Max = d
	}
	l.Count++
	l.Sum += d
	l.Last = d
}

// Avg returns the mean of all samples.
func (l Latency) Avg() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Sum / time.Duration(l.Count)
}

// Statistics is the per node traffic record. Counters only grow.
type Statistics struct {
	Sent          map[MsgType]uint64
	Received      map[MsgType]uint64
	PongLatency   Latency
	LastPongReply time.Time
}

func newStatistics() *Statistics {
	return &Statistics{
		Sent:     make(map[MsgType]uint64),
		Received: make(map[MsgType]uint64),
	}
}

func (s *Statistics) copy() Statistics {
	cp := *s
	cp.Sent = make(map[MsgType]uint64, len(s.Sent))
	for k, v := range s.Sent {
		cp.Sent[k] = v
	}
	cp.Received = make(map[MsgType]uint64, len(s.Received))
	for k, v := range s.Received {
		cp.Received[k] = v
	}
	return cp
}
