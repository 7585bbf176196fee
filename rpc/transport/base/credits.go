package base

import (
	"container/list"
	"context"
	"sync"

	"github.com/ValentinKolb/dSMB/rpc/common"
)

// creditGate bounds the number of requests in flight on one connection.
//
// Hard acquisitions (blocking round trips) wait until a credit is available
// and the in-flight count is below the server advertised maximum. Soft
// acquisitions (async and fire-and-forget) never wait: they only do the
// accounting and may drive credits below zero.
type creditGate struct {
	mu       sync.Mutex
	credits  int
	inFlight int
	max      int
	waiters  *list.List // of chan struct{}, FIFO
	closed   bool

	// epoch changes on every reset so releases for requests of an old
	// socket do not disturb the accounting of the new one
	epoch uint64
}

func newCreditGate(initial, max int) *creditGate {
	if initial < 1 {
		initial = 1
	}
	if max < 1 {
		max = 1
	}
	return &creditGate{
		credits: initial,
		max:     max,
		waiters: list.New(),
	}
}

// acquire reserves one credit and returns the epoch it belongs to. With
// hard set it blocks until a credit is free, ctx is done (the ctx error is
// returned) or the gate is closed (ErrShutdown).
func (g *creditGate) acquire(ctx context.Context, hard bool) (uint64, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, common.ErrShutdown
	}

	if !hard || (g.waiters.Len() == 0 && g.available()) {
		g.take()
		epoch := g.epoch
		g.mu.Unlock()
		return epoch, nil
	}

	wake := make(chan struct{}, 1)
	elem := g.waiters.PushBack(wake)
	g.mu.Unlock()

	for {
		select {
		case <-wake:
			g.mu.Lock()
			if g.closed {
				g.mu.Unlock()
				return 0, common.ErrShutdown
			}
			if g.available() {
				g.take()
				epoch := g.epoch
				// a grant of several credits wakes the waiters one after another
				g.wakeOne()
				g.mu.Unlock()
				return epoch, nil
			}
			// spurious wake up (another soft acquire took the credit), queue again at the front
			elem = g.waiters.PushFront(wake)
			g.mu.Unlock()
		case <-ctx.Done():
			g.mu.Lock()
			g.waiters.Remove(elem)
			// a release may have picked us right before we gave up, pass it on
			select {
			case <-wake:
				g.wakeOne()
			default:
			}
			g.mu.Unlock()
			return 0, ctx.Err()
		}
	}
}

// tryAcquire reserves a credit only if one is available right now and no
// hard waiter is queued before it
func (g *creditGate) tryAcquire() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, common.ErrShutdown
	}
	if g.waiters.Len() > 0 || !g.available() {
		return 0, common.ErrNoCredits
	}
	g.take()
	return g.epoch, nil
}

// release marks one request of epoch as finished and adds granted credits.
// Releases for an older epoch are ignored.
func (g *creditGate) release(epoch uint64, granted int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch != g.epoch {
		return
	}
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.credits += granted
	// the server never leaves an idle client without a credit
	if g.inFlight == 0 && g.credits < 1 {
		g.credits = 1
	}
	g.wakeOne()
}

// grant adds credits without finishing a request (interim responses)
func (g *creditGate) grant(granted int) {
	if granted <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.credits += granted
	g.wakeOne()
}

// setMax updates the server advertised maximum of requests in flight
func (g *creditGate) setMax(max int) {
	if max < 1 {
		max = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.max = max
	g.wakeOne()
}

// reset restores the initial state after a reconnect. Requests of the old
// socket are gone so nothing is in flight anymore.
func (g *creditGate) reset(initial int) {
	if initial < 1 {
		initial = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	g.credits = initial
	g.inFlight = 0
	g.wakeOne()
}

// close fails every waiter and every future acquire with ErrShutdown
func (g *creditGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for e := g.waiters.Front(); e != nil; e = g.waiters.Front() {
		wake := g.waiters.Remove(e).(chan struct{})
		wake <- struct{}{}
	}
}

// currentEpoch returns the epoch of the attached socket
func (g *creditGate) currentEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// snapshot returns the current credits and in-flight count
func (g *creditGate) snapshot() (credits, inFlight int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credits, g.inFlight
}

// --------------------------------------------------------------------------
// Helper Methods (caller holds mu)
// --------------------------------------------------------------------------

func (g *creditGate) available() bool {
	return g.credits > 0 && g.inFlight < g.max
}

func (g *creditGate) take() {
	g.credits--
	g.inFlight++
}

// wakeOne hands the turn to the oldest waiter if a credit is available
func (g *creditGate) wakeOne() {
	if !g.available() {
		return
	}
	if e := g.waiters.Front(); e != nil {
		wake := g.waiters.Remove(e).(chan struct{})
		wake <- struct{}{}
	}
}
