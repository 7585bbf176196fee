package client

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --------------------------------------------------------------------------
// Fake transport
// --------------------------------------------------------------------------

// fakeTransport answers RoundTrip from a script of errors. A nil entry (or
// an exhausted script) answers with status and body.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	errs       []error
	status     common.Status
	body       []byte
	requests   []*transport.Request
	signer     transport.ISigner
	async      int
	noWait     int
	closed     bool
}

func (f *fakeTransport) Connect(common.ClientConfig) error { return f.connectErr }

func (f *fakeTransport) RoundTrip(ctx context.Context, r *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.response(r), nil
}

func (f *fakeTransport) SendAsync(r *transport.Request, cb transport.Callback) error {
	f.mu.Lock()
	f.async++
	f.requests = append(f.requests, r)
	resp := f.response(r)
	f.mu.Unlock()
	cb(resp, nil)
	return nil
}

func (f *fakeTransport) SendNoWait(r *transport.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noWait++
	f.requests = append(f.requests, r)
	return nil
}

func (f *fakeTransport) SetSigner(signer transport.ISigner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signer = signer
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// response builds the answer to r, caller holds mu
func (f *fakeTransport) response(r *transport.Request) *transport.Response {
	hdr := common.Header{
		Command:   r.Command,
		Status:    f.status,
		Flags:     common.FlagServerToRedir,
		MessageID: uint64(len(f.requests)),
		SessionID: r.SessionID,
		TreeID:    r.TreeID,
	}
	buf := bytebufferpool.Get()
	buf.B = append(buf.B[:0], hdr.Bytes()...)
	buf.B = append(buf.B, f.body...)
	return transport.NewResponse(hdr, buf)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestSession(t *testing.T, f *fakeTransport, retries int) *Session {
	t.Helper()
	cfg := common.DefaultClientConfig("fake:445")
	cfg.Transport.RetryCount = retries
	s, err := NewSession(cfg, f)
	require.NoError(t, err)
	return s
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestNewSessionConnectError(t *testing.T) {
	_, err := NewSession(common.DefaultClientConfig("fake:445"), &fakeTransport{connectErr: errors.New("refused")})
	require.Error(t, err)
}

func TestDoResubmitsRetryableErrors(t *testing.T) {
	f := &fakeTransport{errs: []error{common.ErrRetryNeeded, common.ErrTimeout, nil}, body: []byte{1}}
	s := newTestSession(t, f, 3)

	resp, err := s.Call(context.Background(), common.CmdRead, []byte{0xAA})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, resp.Body())
	resp.Release()
	require.Equal(t, 3, f.calls())

	// every attempt sends the same request
	require.Same(t, f.requests[0], f.requests[2])
}

func TestDoGivesUp(t *testing.T) {
	f := &fakeTransport{errs: []error{common.ErrRetryNeeded, common.ErrRetryNeeded, common.ErrRetryNeeded, common.ErrRetryNeeded}}
	s := newTestSession(t, f, 2)

	_, err := s.Call(context.Background(), common.CmdRead)
	require.ErrorIs(t, err, common.ErrRetryNeeded)
	require.Equal(t, 3, f.calls())
}

func TestDoDoesNotResubmitOtherErrors(t *testing.T) {
	for _, failure := range []error{common.ErrMalformed, common.ErrShutdown, common.ErrInterrupted} {
		f := &fakeTransport{errs: []error{failure}}
		s := newTestSession(t, f, 3)

		_, err := s.Call(context.Background(), common.CmdRead)
		require.ErrorIs(t, err, failure)
		require.Equal(t, 1, f.calls())
	}
}

func TestDoInterruptedWhileBackingOff(t *testing.T) {
	f := &fakeTransport{errs: []error{common.ErrRetryNeeded, common.ErrRetryNeeded, common.ErrRetryNeeded}}
	s := newTestSession(t, f, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, common.CmdRead)
	require.ErrorIs(t, err, common.ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestsCarrySessionState(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSession(t, f, 0)
	s.SetSessionID(0x1122)
	s.SetTreeID(7)
	require.Equal(t, uint64(0x1122), s.SessionID())
	require.Equal(t, uint32(7), s.TreeID())

	req := s.NewRequest(common.CmdWrite, []byte{1}, []byte{2, 3})
	require.Equal(t, common.CmdWrite, req.Command)
	require.Equal(t, uint64(0x1122), req.SessionID)
	require.Equal(t, uint32(7), req.TreeID)
	require.Equal(t, [][]byte{{1}, {2, 3}}, req.Body)

	var got *transport.Response
	require.NoError(t, s.CallAsync(common.CmdRead, func(resp *transport.Response, err error) {
		require.NoError(t, err)
		got = resp
	}))
	require.Equal(t, uint64(0x1122), got.Header.SessionID)
	got.Release()

	require.NoError(t, s.Notify(common.CmdWrite))
	require.Equal(t, 1, f.noWait)

	require.NoError(t, s.Close())
	require.True(t, f.closed)
}

func TestSetSigningKey(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSession(t, f, 0)

	require.Error(t, s.SetSigningKey("rot13", []byte("key")))
	require.Nil(t, f.signer)
	require.False(t, s.NewRequest(common.CmdRead).Sign)

	require.NoError(t, s.SetSigningKey(common.SigningAlgAESCMAC, make([]byte, 16)))
	require.NotNil(t, f.signer)
	require.True(t, s.NewRequest(common.CmdRead).Sign)

	require.NoError(t, s.Notify(common.CmdWrite))
	require.NoError(t, s.CallAsync(common.CmdRead, func(resp *transport.Response, err error) {
		if resp != nil {
			resp.Release()
		}
	}))
	resp, err := s.Call(context.Background(), common.CmdRead)
	require.NoError(t, err)
	resp.Release()
	require.Len(t, f.requests, 3)
	for _, req := range f.requests {
		require.True(t, req.Sign, "%s sent unsigned", req.Command)
	}
}

func TestEcho(t *testing.T) {
	f := &fakeTransport{body: []byte{0x04, 0x00, 0x00, 0x00}}
	s := newTestSession(t, f, 0)
	require.NoError(t, s.Echo(context.Background()))
	require.Equal(t, common.CmdEcho, f.requests[0].Command)

	f.body = []byte{0x09, 0x00}
	require.ErrorIs(t, s.Echo(context.Background()), common.ErrMalformed)

	f.status = common.StatusAccessDenied
	err := s.Echo(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, common.StatusAccessDenied, statusErr.Status)
	require.Equal(t, common.CmdEcho, statusErr.Command)
}

func TestEncodeLockBody(t *testing.T) {
	var file FileID
	for i := range file {
		file[i] = byte(i + 1)
	}
	body := EncodeLockBody(file,
		LockElement{Offset: 0, Length: 100, Flags: base.LockFlagExclusive},
		LockElement{Offset: 1 << 40, Length: 1, Flags: base.LockFlagShared | base.LockFlagFailImmediately},
	)

	require.Len(t, body, 24+2*24)
	require.Equal(t, uint16(48), binary.LittleEndian.Uint16(body[0:2]))
	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(body[2:4]))
	require.Equal(t, file[:], body[8:24])

	second := body[48:]
	require.Equal(t, uint64(1<<40), binary.LittleEndian.Uint64(second[0:8]))
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(second[8:16]))
	require.Equal(t, uint32(base.LockFlagShared|base.LockFlagFailImmediately), binary.LittleEndian.Uint32(second[16:20]))
}

func TestUnlockSendsUnlockFlags(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSession(t, f, 0)

	var file FileID
	require.NoError(t, s.Unlock(context.Background(), file, LockElement{Offset: 10, Length: 20, Flags: base.LockFlagExclusive}))

	body := f.requests[0].Body[0]
	require.Equal(t, common.CmdLock, f.requests[0].Command)
	require.Equal(t, uint32(base.LockFlagUnlock), binary.LittleEndian.Uint32(body[24+16:24+20]))

	f.status = common.StatusLockNotGranted
	err := s.Lock(context.Background(), file, LockElement{Offset: 10, Length: 20, Flags: base.LockFlagFailImmediately})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, common.StatusLockNotGranted, statusErr.Status)
}
