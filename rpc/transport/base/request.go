package base

import (
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/valyala/bytebufferpool"
)

// requestState is the lifecycle of a pending request:
//
//	Allocated -> Submitted -> {Received | RetryNeeded | Malformed | Shutdown} -> Free
//
// Received and the three failure states are terminal, Free is the tombstone
// left behind after deletion.
type requestState uint32

const (
	stateAllocated requestState = iota
	stateSubmitted
	stateReceived
	stateRetryNeeded
	stateMalformed
	stateShutdown
	stateFree
)

func (s requestState) String() string {
	switch s {
	case stateAllocated:
		return "allocated"
	case stateSubmitted:
		return "submitted"
	case stateReceived:
		return "received"
	case stateRetryNeeded:
		return "retry-needed"
	case stateMalformed:
		return "malformed"
	case stateShutdown:
		return "shutdown"
	case stateFree:
		return "free"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

func (s requestState) terminal() bool {
	return s >= stateReceived && s <= stateShutdown
}

// notifier is the completion variant of a request: either a waiting caller
// (done is closed) or a callback run on the executor.
type notifier struct {
	done     chan struct{}
	callback transport.Callback
}

func waitNotifier() notifier {
	return notifier{done: make(chan struct{})}
}

func callbackNotifier(cb transport.Callback) notifier {
	return notifier{callback: cb}
}

// discardNotifier is used by fire-and-forget requests
func discardNotifier() notifier {
	return notifier{callback: func(resp *transport.Response, _ error) {
		if resp != nil {
			resp.Release()
		}
	}}
}

// pendingRequest is the state of one request between registration and deletion
type pendingRequest struct {
	mid     uint64
	command common.Command
	conn    *clientConnection
	created time.Time

	// credit epoch the request was admitted in
	creditEpoch uint64

	// request frame kept for cancel encoders (header + body fragments)
	header common.Header
	body   [][]byte
	signed bool

	mu       sync.Mutex
	state    requestState
	sent     time.Time
	asyncID  uint64
	buf      *bytebufferpool.ByteBuffer // response, owned by the request until taken
	resp     common.Header
	err      error
	orphaned bool // the caller left, whoever completes the request deletes it
	notify   notifier
}

// getState returns the current state
func (r *pendingRequest) getState() requestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// markSubmitted moves Allocated -> Submitted and stamps the send time.
// It returns false if the request already reached a terminal state (e.g.
// teardown raced with the send).
func (r *pendingRequest) markSubmitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateAllocated {
		return false
	}
	r.state = stateSubmitted
	r.sent = time.Now()
	return true
}

// finish moves the request into a terminal state exactly once. It returns
// false if the request was already terminal, in which case buf (if any) is
// not taken and stays with the caller.
func (r *pendingRequest) finish(state requestState, hdr common.Header, buf *bytebufferpool.ByteBuffer, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() || r.state == stateFree {
		return false
	}
	r.state = state
	r.resp = hdr
	r.buf = buf
	r.err = err
	return true
}

// takeResponse moves ownership of the response buffer to the caller
func (r *pendingRequest) takeResponse() (*transport.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.state != stateReceived {
		return nil, fmt.Errorf("request %d in state %s has no response: %w", r.mid, r.state, common.ErrMalformed)
	}
	buf := r.buf
	r.buf = nil
	return transport.NewResponse(r.resp, buf), nil
}

// abandon hands cleanup over to whoever completes the request. It returns
// false if the request is already terminal, then the caller must consume
// the result itself.
func (r *pendingRequest) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() || r.state == stateFree {
		return false
	}
	r.orphaned = true
	return true
}

// isOrphaned reports whether the caller left the request
func (r *pendingRequest) isOrphaned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orphaned
}

// setAsyncID records the id of an interim STATUS_PENDING response
func (r *pendingRequest) setAsyncID(id uint64) {
	r.mu.Lock()
	r.asyncID = id
	r.mu.Unlock()
}

func (r *pendingRequest) getAsyncID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asyncID
}

// free moves the request to the Free tombstone and releases any buffer
// still attached. It returns false if the request was already freed.
func (r *pendingRequest) free() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateFree {
		return false
	}
	r.state = stateFree
	if r.buf != nil {
		bytebufferpool.Put(r.buf)
		r.buf = nil
	}
	r.body = nil
	return true
}

// sinceSent returns how long the request has been on the wire
func sinceSent(r *pendingRequest) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent.IsZero() {
		return time.Since(r.created)
	}
	return time.Since(r.sent)
}

// stateForError maps an error of the error domain to the terminal state
func stateForError(err error) requestState {
	switch common.KindOf(err) {
	case common.KindMalformed:
		return stateMalformed
	case common.KindHostDown:
		return stateShutdown
	}
	return stateRetryNeeded
}
