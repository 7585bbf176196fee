package base

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/jpillora/backoff"
)

// errNoProgress is reported by writeFrame when the socket accepted nothing
// without returning an error
var errNoProgress = errors.New("socket made no progress")

// errStaleRequest is returned by send for a request a reset already failed
var errStaleRequest = fmt.Errorf("request was reset before it was sent: %w", common.ErrRetryNeeded)

// --------------------------------------------------------------------------
// net.Conn socket adapter
// --------------------------------------------------------------------------

// netSocket adapts a net.Conn to transport.ISocket
type netSocket struct {
	conn net.Conn
}

// NewNetSocket wraps conn so the transport can use vectored writes on it
func NewNetSocket(conn net.Conn) transport.ISocket {
	return &netSocket{conn: conn}
}

func (s *netSocket) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *netSocket) Writev(bufs [][]byte) (int, error) {
	// WriteTo consumes the slice it is called on
	b := make(net.Buffers, len(bufs))
	copy(b, bufs)
	n, err := b.WriteTo(s.conn)
	return int(n), err
}

func (s *netSocket) Close() error {
	return s.conn.Close()
}

// --------------------------------------------------------------------------
// Frame writer
// --------------------------------------------------------------------------

// writeFrame writes one SMB2 message (the fragments of msg) prefixed with
// the direct TCP transport header. Partial writes resume at the first
// unwritten byte. Transient errors are retried with exponential backoff, at
// most policy.MaxAttempts times in a row. It returns the bytes written,
// including the prefix.
func writeFrame(sock transport.ISocket, msg [][]byte, policy common.SendRetryConf, onRetry func()) (int, error) {
	size := 0
	for _, frag := range msg {
		size += len(frag)
	}

	var prefix [common.TransportHeaderSize]byte
	if err := common.PutTransportHeader(prefix[:], size); err != nil {
		return 0, fmt.Errorf("message of %d bytes: %w", size, err)
	}

	bufs := make([][]byte, 0, len(msg)+1)
	bufs = append(bufs, prefix[:])
	bufs = append(bufs, msg...)
	total := size + common.TransportHeaderSize

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := &backoff.Backoff{
		Min:    policy.MinBackoff(),
		Max:    policy.MaxBackoff(),
		Factor: policy.Factor,
		Jitter: true,
	}

	written := 0
	for written < total {
		n, err := sock.Writev(bufs)
		if n > 0 {
			written += n
			bufs = advance(bufs, n)
		}
		if err == nil && n > 0 {
			b.Reset()
			continue
		}
		if err == nil {
			err = errNoProgress
		}
		if !isTransient(err) {
			return written, err
		}
		if int(b.Attempt())+1 >= maxAttempts {
			return written, fmt.Errorf("giving up after %d attempts: %w", maxAttempts, err)
		}
		if onRetry != nil {
			onRetry()
		}
		time.Sleep(b.Duration())
	}
	return written, nil
}

// advance drops the first n bytes of bufs. The outer slice is copied, the
// fragments themselves are shared.
func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	out := make([][]byte, len(bufs))
	copy(out, bufs)
	if len(out) > 0 && n > 0 {
		out[0] = out[0][n:]
	}
	return out
}

// isTransient reports whether a failed write may succeed when retried
func isTransient(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) || errors.Is(err, errNoProgress) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// --------------------------------------------------------------------------
// Connection send path
// --------------------------------------------------------------------------

// send writes one message of req under the send lock. If the request is
// signed the header in msg[0] is signed in place right before it is
// written. With track set the response deadline is recorded. Nothing is
// written for a request that is no longer submitted or belongs to a
// replaced socket. Any write failure leaves the stream in an unknown state,
// so the connection is marked NeedReconnect and ErrRetryNeeded is returned.
func (c *clientConnection) send(req *pendingRequest, msg [][]byte, track bool) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	mid := req.mid
	if req.getState() != stateSubmitted || req.creditEpoch != c.credits.currentEpoch() {
		return fmt.Errorf("mid %d: %w", mid, errStaleRequest)
	}

	var signer transport.ISigner
	if req.signed {
		if signer = c.parent.getSigner(); signer == nil {
			return fmt.Errorf("mid %d: signing requested without a signing key: %w", mid, common.ErrMalformed)
		}
	}
	if track && !c.trackDeadline(req, time.Now()) {
		return fmt.Errorf("mid %d: %w", mid, errStaleRequest)
	}

	if signer != nil {
		common.SetSigned(msg[0])
		sig := signer.Sign(msg, mid)
		copy(msg[0][common.SignatureOffset:common.HeaderSize], sig[:])
	}

	n, err := writeFrame(c.sock, msg, c.parent.config.SendRetry, c.parent.metrics.sendRetries.Inc)
	if err != nil {
		cause := fmt.Errorf("send of mid %d failed after %d bytes: %w", mid, n, err)
		c.markNeedReconnect(cause)
		return fmt.Errorf("%w: %w", common.ErrRetryNeeded, cause)
	}
	return nil
}
