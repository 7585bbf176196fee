package base

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// registry maps message ids to pending requests of one connection.
//
// Message ids are allocated from a monotonic 64 bit counter and never
// reused, so a frame that arrives after its request was deleted can never
// hit another request.
type registry struct {
	pending *xsync.MapOf[uint64, *pendingRequest]
	nextMid atomic.Uint64
	live    atomic.Int64

	// closedMu orders register against drain(Shutdown)
	closedMu sync.RWMutex
	closed   bool
}

func newRegistry() *registry {
	return &registry{
		pending: xsync.NewMapOf[uint64, *pendingRequest](),
	}
}

// register allocates a message id and inserts a new request in state
// Allocated. epoch is the credit epoch the request was admitted in.
func (r *registry) register(conn *clientConnection, cmd common.Command, n notifier, epoch uint64) (*pendingRequest, error) {
	r.closedMu.RLock()
	defer r.closedMu.RUnlock()
	if r.closed {
		return nil, common.ErrShutdown
	}

	req := &pendingRequest{
		mid:         r.allocMid(),
		command:     cmd,
		conn:        conn,
		created:     time.Now(),
		creditEpoch: epoch,
		state:       stateAllocated,
		notify:      n,
	}
	r.pending.Store(req.mid, req)
	r.live.Add(1)
	return req, nil
}

// allocMid returns the next unused message id. CANCEL reuses the id of the
// request it cancels and does not come through here.
func (r *registry) allocMid() uint64 {
	return r.nextMid.Add(1) - 1
}

// lookup returns the pending request for mid
func (r *registry) lookup(mid uint64) (*pendingRequest, bool) {
	return r.pending.Load(mid)
}

// delete removes req and releases what it still holds. A second delete of
// the same request is reported and ignored.
func (r *registry) delete(req *pendingRequest) error {
	if !req.free() {
		return fmt.Errorf("request %d deleted twice", req.mid)
	}
	r.pending.Delete(req.mid)
	r.live.Add(-1)
	return nil
}

// len returns the number of live (registered, not yet deleted) requests
func (r *registry) len() int {
	return int(r.live.Load())
}

// snapshot returns all pending requests
func (r *registry) snapshot() []*pendingRequest {
	reqs := make([]*pendingRequest, 0, r.pending.Size())
	r.pending.Range(func(_ uint64, req *pendingRequest) bool {
		reqs = append(reqs, req)
		return true
	})
	return reqs
}

// close rejects all future registrations
func (r *registry) close() {
	r.closedMu.Lock()
	r.closed = true
	r.closedMu.Unlock()
}
