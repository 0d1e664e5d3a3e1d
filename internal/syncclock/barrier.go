package syncclock

import (
	"sync"
	"time"
)

// barrier is a reusable cyclic barrier with a generation counter: once all
// expected parties arrive, the generation advances and a fresh round
// begins automatically, so a caller that times out in round N and retries
// in round N+1 never blocks on stragglers from round N.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrivals   int
	generation uint64
}

func newBarrier() *barrier {
	b := &barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// setParties changes the number of parties expected per round. Changing it
// mid-round resets the current round's arrival count, since resizing
// implies the set of sinks the barrier coordinates just changed.
func (b *barrier) setParties(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties = n
	b.arrivals = 0
	b.generation++
	b.cond.Broadcast()
}

// arrive blocks until every expected party has called arrive for the
// current generation, or timeout elapses. Returns false on timeout.
func (b *barrier) arrive(timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.parties <= 0 {
		return true
	}

	myGen := b.generation
	b.arrivals++
	if b.arrivals >= b.parties {
		b.arrivals = 0
		b.generation++
		b.cond.Broadcast()
		return true
	}

	deadline := time.Now().Add(timeout)
	for b.generation == myGen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !condWaitTimeout(b.cond, remaining) && b.generation == myGen {
			return false
		}
	}
	return true
}

// condWaitTimeout waits on c, which must be locked by the caller, until
// either a signal/broadcast arrives or d elapses. Returns false if the
// timeout fired first. sync.Cond has no native timeout, so this arms a
// timer that broadcasts on expiry, the same pattern internal/queue uses
// for its own bounded-wait Pop.
func condWaitTimeout(c *sync.Cond, d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	return timer.Stop()
}
