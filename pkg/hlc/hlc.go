// Package hlc implements the hybrid logical clock used to order scene
// operations across shards. The coordinator advances it with Tick when it
// stamps a new transaction, and checks pending transactions against it with
// Observe. Join merges a reading received from another node; neither the
// consensus adapter nor the applier loop calls it, so an entry's HLC is not
// merged into the local clock when the entry is received or applied.
package hlc

import (
	"sync"

	"github.com/cuemby/scenemesh/pkg/types"
)

// Clock produces monotonic HLC readings for a single node. It is safe for
// concurrent use; callers typically hold one Clock per replica.
type Clock struct {
	mu   sync.Mutex
	last types.HLC
}

// New returns a Clock with a zero initial reading.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock for a local event given the current physical tick
// pt: pt' = pt + 1; if l >= pt' keep l and bump c, else adopt pt' with c
// reset to 0.
func (c *Clock) Tick(pt uint64) types.HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	ptPrime := pt + 1
	if c.last.L >= ptPrime {
		c.last.C++
	} else {
		c.last.L = ptPrime
		c.last.C = 0
	}
	return c.last
}

// Join merges an incoming HLC into the local clock on message receipt: l is
// never derived from wall-clock time alone, it is the maximum of the local
// component, the remote component, and the advanced physical tick, with c
// reset or bumped accordingly.
func (c *Clock) Join(remote types.HLC, pt uint64) types.HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	ptPrime := pt + 1
	maxL := c.last.L
	if remote.L > maxL {
		maxL = remote.L
	}
	if ptPrime > maxL {
		maxL = ptPrime
	}

	switch {
	case maxL == c.last.L && maxL == remote.L:
		if c.last.C > remote.C {
			c.last.C++
		} else {
			c.last.C = remote.C + 1
		}
	case maxL == c.last.L:
		c.last.C++
	case maxL == remote.L:
		c.last.C = remote.C + 1
	default:
		c.last.C = 0
	}
	c.last.L = maxL
	return c.last
}

// Observe returns the last reading produced by this clock without advancing
// it, used by the coordinator to stamp abort checks against "now".
func (c *Clock) Observe() types.HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Diff reports how far b is behind a in logical ticks, saturating at 0 when
// b is not behind. Used for the coordinator's MaxLatency abort check.
func Diff(a, b types.HLC) uint64 {
	if a.L <= b.L {
		return 0
	}
	return a.L - b.L
}
