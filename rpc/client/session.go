package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/signing"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger(common.LoggerClient)
)

const (
	resubmitMinBackoff = 20 * time.Millisecond
	resubmitMaxBackoff = 2 * time.Second
)

// echoBody is the SMB2 ECHO request: StructureSize (4) and two reserved bytes
var echoBody = []byte{0x04, 0x00, 0x00, 0x00}

// StatusError is returned for responses carrying an error status
type StatusError struct {
	Command common.Command
	Status  common.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with %s", e.Command, e.Status)
}

// CheckStatus returns a StatusError if resp carries an error status
func CheckStatus(resp *transport.Response) error {
	if resp.Header.Status.IsError() {
		return &StatusError{Command: resp.Header.Command, Status: resp.Header.Status}
	}
	return nil
}

// Session is the owner of the session state on top of a transport. It keeps
// the session and tree ids and the signing key across reconnects of the
// transport, and resubmits requests that failed because a connection was
// lost.
type Session struct {
	config    common.ClientConfig
	transport transport.IRPCClientTransport

	sessionID atomic.Uint64
	treeID    atomic.Uint32
	signed    atomic.Bool // a signing key is installed
}

// NewSession connects the transport and returns a session on it
func NewSession(config common.ClientConfig, t transport.IRPCClientTransport) (*Session, error) {
	// Connect the transport
	if err := t.Connect(config); err != nil {
		return nil, err
	}
	return &Session{
		config:    config,
		transport: t,
	}, nil
}

// --------------------------------------------------------------------------
// Session state
// --------------------------------------------------------------------------

// SetSessionID sets the id every request of the session carries
func (s *Session) SetSessionID(id uint64) { s.sessionID.Store(id) }

// SessionID returns the current session id
func (s *Session) SessionID() uint64 { return s.sessionID.Load() }

// SetTreeID sets the tree id every request of the session carries
func (s *Session) SetTreeID(id uint32) { s.treeID.Store(id) }

// TreeID returns the current tree id
func (s *Session) TreeID() uint32 { return s.treeID.Load() }

// SetSigningKey installs the signing key derived during session setup
func (s *Session) SetSigningKey(algorithm string, key []byte) error {
	signer, err := signing.NewSigner(algorithm, key)
	if err != nil {
		return err
	}
	s.transport.SetSigner(signer)
	s.signed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// NewRequest creates a request of the session for cmd
func (s *Session) NewRequest(cmd common.Command, body ...[]byte) *transport.Request {
	return &transport.Request{
		Command:   cmd,
		TreeID:    s.TreeID(),
		SessionID: s.SessionID(),
		Body:      body,
		Sign:      s.signed.Load(),
	}
}

// Call sends a request for cmd and waits for its response
func (s *Session) Call(ctx context.Context, cmd common.Command, body ...[]byte) (*transport.Response, error) {
	return s.Do(ctx, s.NewRequest(cmd, body...))
}

// Do sends req and waits for its response. Requests that fail with a
// retryable error are resubmitted up to Transport.RetryCount times with
// backoff. The caller must Release the response.
func (s *Session) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	attempts := max(1, s.config.Transport.RetryCount+1)
	b := &backoff.Backoff{
		Min:    resubmitMinBackoff,
		Max:    resubmitMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := s.transport.RoundTrip(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !common.IsRetryable(err) {
			return nil, err
		}
		Logger.Debugf("%s attempt %d/%d failed: %v", req.Command, i+1, attempts, err)

		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s: %w: %w", req.Command, common.ErrInterrupted, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", req.Command, attempts, lastErr)
}

// CallAsync sends a request for cmd and returns without waiting. cb runs
// exactly once if CallAsync returns nil. Async requests are not resubmitted.
func (s *Session) CallAsync(cmd common.Command, cb transport.Callback, body ...[]byte) error {
	return s.DoAsync(s.NewRequest(cmd, body...), cb)
}

// DoAsync sends req and returns without waiting, see CallAsync
func (s *Session) DoAsync(req *transport.Request, cb transport.Callback) error {
	return s.transport.SendAsync(req, cb)
}

// Notify sends a request for cmd and ignores the response
func (s *Session) Notify(cmd common.Command, body ...[]byte) error {
	return s.DoNoWait(s.NewRequest(cmd, body...))
}

// DoNoWait sends req and ignores the response
func (s *Session) DoNoWait(req *transport.Request) error {
	return s.transport.SendNoWait(req)
}

// Echo sends an SMB2 ECHO and checks the answer
func (s *Session) Echo(ctx context.Context) error {
	resp, err := s.Call(ctx, common.CmdEcho, echoBody)
	if err != nil {
		return err
	}
	defer resp.Release()

	if err := CheckStatus(resp); err != nil {
		return err
	}
	body := resp.Body()
	if len(body) < 4 || binary.LittleEndian.Uint16(body[0:2]) != 4 {
		return fmt.Errorf("ECHO response with invalid body of %d bytes: %w", len(body), common.ErrMalformed)
	}
	return nil
}

// Close tears down the transport
func (s *Session) Close() error {
	return s.transport.Close()
}
