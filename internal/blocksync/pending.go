package blocksync

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/unichain/overlay/types"
)

// pendingFetch remembers which block ids have been requested from some peer.
// Entries are dropped once they are older than expiry, or when the cache is
// full and room is needed.
type pendingFetch struct {
	cache  *lru.Cache[types.BlockID, time.Time]
	expiry time.Duration
	now    func() time.Time
}

func newPendingFetch(capacity int, expiry time.Duration, now func() time.Time) (*pendingFetch, error) {
	cache, err := lru.New[types.BlockID, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &pendingFetch{cache: cache, expiry: expiry, now: now}, nil
}

// contains reports whether id has an unexpired request.
func (p *pendingFetch) contains(id types.BlockID) bool {
	requested, ok := p.cache.Peek(id)
	if !ok {
		return false
	}
	if p.expiry > 0 && p.now().Sub(requested) >= p.expiry {
		p.cache.Remove(id)
		return false
	}
	return true
}

func (p *pendingFetch) add(id types.BlockID) {
	p.cache.Add(id, p.now())
}

// invalidate removes id and reports whether it was present.
func (p *pendingFetch) invalidate(id types.BlockID) bool {
	return p.cache.Remove(id)
}

func (p *pendingFetch) len() int { return p.cache.Len() }
