package base

import (
	"errors"
	"fmt"
	"io"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/valyala/bytebufferpool"
)

// readLoop reads frames from sock until it fails. There is exactly one
// reader per socket.
func (c *clientConnection) readLoop(sock transport.ISocket) {
	defer c.readerWG.Done()

	var prefix [common.TransportHeaderSize]byte
	for {
		buf, err := readMessage(sock, prefix[:])
		if err != nil {
			c.readFailed(err)
			return
		}
		c.handleMessage(buf)
	}
}

// readMessage reads one transport frame into a pooled buffer
func readMessage(r io.Reader, prefix []byte) (*bytebufferpool.ByteBuffer, error) {
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	if prefix[0] != 0 {
		return nil, fmt.Errorf("invalid transport header %x: %w", prefix, common.ErrMalformed)
	}
	n := common.TransportLength(prefix)

	buf := bytebufferpool.Get()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
	}
	if _, err := io.ReadFull(r, buf.B); err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// readFailed handles the end of the stream. During teardown this is
// expected, otherwise the connection needs a reconnect.
func (c *clientConnection) readFailed(err error) {
	if c.State() == StateExiting {
		return
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("server closed the connection: %w", err)
	}
	c.markNeedReconnect(fmt.Errorf("read from %s failed: %w", c.endpoint, err))
}

// handleMessage correlates one received message with its request. The
// buffer is either handed to the request or returned to the pool here.
func (c *clientConnection) handleMessage(buf *bytebufferpool.ByteBuffer) {
	metrics := c.parent.metrics

	hdr, err := common.ParseHeader(buf.B)
	if err != nil {
		metrics.malformed.Inc()
		Logger.Warningf("Dropping undecodable message of %d bytes from %s: %v", len(buf.B), c.endpoint, err)
		bytebufferpool.Put(buf)
		return
	}
	if !hdr.Flags.IsResponse() {
		metrics.malformed.Inc()
		Logger.Warningf("Dropping message with mid %d from %s: not a response", hdr.MessageID, c.endpoint)
		bytebufferpool.Put(buf)
		return
	}
	if hdr.NextCommand != 0 {
		Logger.Debugf("Compound response with mid %d from %s, only the first message is matched", hdr.MessageID, c.endpoint)
	}

	req, ok := c.registry.lookup(hdr.MessageID)
	if !ok {
		metrics.stray.Inc()
		Logger.Warningf("Dropping response for unknown mid %d (%s, %s)", hdr.MessageID, hdr.Command, hdr.Status)
		bytebufferpool.Put(buf)
		return
	}

	// interim response, the final one follows with the same mid
	if hdr.Status == common.StatusPending && hdr.Flags.IsAsync() {
		// servers may leave interim responses unsigned, a signed one has to verify
		if req.signed && hdr.Flags.IsSigned() && !c.verify(buf.B, hdr.MessageID) {
			metrics.malformed.Inc()
			Logger.Errorf("Dropping interim response for mid %d (%s) from %s: bad signature", hdr.MessageID, hdr.Command, c.endpoint)
			bytebufferpool.Put(buf)
			return
		}
		req.setAsyncID(hdr.AsyncID)
		c.untrackDeadline(req.mid)
		c.credits.grant(int(hdr.Credits))
		Logger.Debugf("mid %d went async with id %d", req.mid, hdr.AsyncID)
		bytebufferpool.Put(buf)
		return
	}

	if c.mustVerify(req, hdr) {
		if !hdr.Flags.IsSigned() || !c.verify(buf.B, hdr.MessageID) {
			metrics.malformed.Inc()
			Logger.Errorf("Signature check failed for mid %d (%s) from %s", hdr.MessageID, hdr.Command, c.endpoint)
			bytebufferpool.Put(buf)
			c.complete(req, stateMalformed, hdr, nil,
				fmt.Errorf("mid %d: %w", hdr.MessageID, common.ErrInvalidSignature))
			return
		}
	}

	if !c.complete(req, stateReceived, hdr, buf, nil) {
		// already failed by a drain or the send path
		bytebufferpool.Put(buf)
	}
}

// mustVerify reports whether the response to req has to carry a valid signature
func (c *clientConnection) mustVerify(req *pendingRequest, hdr common.Header) bool {
	if !req.signed {
		return false
	}
	// servers do not sign these when the session is not yet established
	if hdr.Status == common.StatusMoreProcessingRequired {
		return false
	}
	return true
}

// verify checks the signature of msg with the installed signer
func (c *clientConnection) verify(msg []byte, mid uint64) bool {
	signer := c.parent.getSigner()
	return signer != nil && signer.Verify(msg, mid)
}

// complete moves req into a terminal state, returns its credit, and wakes
// whoever waits for it. It returns false if req was already terminal.
func (c *clientConnection) complete(req *pendingRequest, state requestState, hdr common.Header, buf *bytebufferpool.ByteBuffer, err error) bool {
	if !req.finish(state, hdr, buf, err) {
		return false
	}

	granted := 1
	if state == stateReceived {
		granted = int(hdr.Credits)
	}
	c.credits.release(req.creditEpoch, granted)
	c.untrackDeadline(req.mid)

	if state == stateReceived {
		c.parent.metrics.completed.Inc()
	} else {
		c.parent.metrics.failed.Inc()
	}

	c.notify(req)
	return true
}

// notify wakes the owner of a terminal request
func (c *clientConnection) notify(req *pendingRequest) {
	if req.notify.done != nil {
		close(req.notify.done)
		// the caller gave up, nobody else will delete the request
		if req.isOrphaned() {
			c.parent.metrics.orphaned.Inc()
			c.deleteRequest(req)
		}
		return
	}
	if !c.executor.Push(req) {
		// executor already stopped, happens only for requests completed after teardown
		c.runCallback(req)
	}
}

// deleteRequest removes req from the registry. A second delete is a bug
// in the caller and only logged.
func (c *clientConnection) deleteRequest(req *pendingRequest) {
	if err := c.registry.delete(req); err != nil {
		Logger.Errorf("%v", err)
	}
}

// --------------------------------------------------------------------------
// Callback executor
// --------------------------------------------------------------------------

// runExecutor runs the callbacks of async requests in completion order
func (c *clientConnection) runExecutor() {
	defer c.wg.Done()
	for req := range c.executor.Recv() {
		c.runCallback(req)
	}
}

// runCallback invokes the callback of req and deletes it afterwards
func (c *clientConnection) runCallback(req *pendingRequest) {
	defer c.deleteRequest(req)

	resp, err := req.takeResponse()
	if err == nil {
		c.parent.metrics.observeLatency(sinceSent(req))
	}

	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Callback of mid %d (%s) panicked: %v", req.mid, req.command, r)
			if resp != nil {
				resp.Release()
			}
		}
	}()
	req.notify.callback(resp, err)
}
