// Package base implements the SMB2 client transport independent of the
// socket type (TCP, Unix sockets, etc.). Socket specific packages only
// provide a transport.IClientConnector.
//
// The transport multiplexes many concurrent requests over one ordered byte
// stream per connection and matches every response to its request by the
// SMB2 message id (mid).
//
// Key Components:
//
//   - creditGate: Bounds the requests in flight by the credits the server
//     granted. Blocking round trips wait in FIFO order, async requests only
//     do the accounting.
//
//   - registry: Maps mids to pending requests. Mids come from a monotonic 64
//     bit counter and are never reused, so a late response can never hit
//     the wrong request. Each request goes through
//     Allocated -> Submitted -> {Received | RetryNeeded | Malformed | Shutdown} -> Free
//     and is deleted exactly once.
//
//   - dispatcher: Writes frames under the send lock. Partial writes are
//     resumed, transient errors are retried with exponential backoff, and any
//     other failure marks the connection for reconnect.
//
//   - receiver: One reader goroutine per socket. Correlates responses,
//     verifies signatures, returns credits and wakes the waiting caller or
//     queues the callback on the connection's executor.
//
//   - cancel: When a blocking caller gives up, a cancel message chosen by the
//     CancelPolicy is sent. Either the response arrives within CancelWait, or
//     the request is orphaned and the receiver cleans it up later.
//
//   - timeout reaper: A request unanswered for longer than TimeoutSecond
//     resets the connection.
//
// Request Lifetime:
//
//	RoundTrip     blocks until the response arrives, the connection fails or
//	              the context is done. The caller owns the returned Response
//	              and must Release it.
//	SendAsync     returns after the send, the callback runs exactly once on
//	              the executor.
//	SendNoWait    the response is still matched on the wire and dropped.
//
// Connection State:
//
//	New -> Good <-> NeedReconnect
//	          \         /
//	           Exiting
//
// A connection that lost its socket fails all pending requests with
// common.ErrRetryNeeded and reconnects in the background with backoff.
// Close moves every connection to Exiting, fails all pending requests with
// common.ErrShutdown and waits for all goroutines of the connection.
//
// Thread Safety:
//
//	All public methods are thread-safe. The receiver never takes the send
//	lock, and callbacks must not block or call Close.
package base
