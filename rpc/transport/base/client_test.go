package base

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/signing"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRoundTrip(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)
	c.registry.nextMid.Store(7)

	body := bytes.Repeat([]byte{0x5A}, 128)
	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{
			Command:   common.CmdWrite,
			TreeID:    3,
			SessionID: 9,
			Body:      [][]byte{body},
		})
		done <- roundTripResult{resp, err}
	}()

	hdr, got := sock.nextRequest(t)
	require.Equal(t, uint64(7), hdr.MessageID)
	require.Equal(t, common.CmdWrite, hdr.Command)
	require.Equal(t, uint16(1), hdr.CreditCharge)
	require.Equal(t, uint16(common.DefaultCreditRequest), hdr.Credits)
	require.Equal(t, uint32(3), hdr.TreeID)
	require.Equal(t, uint64(9), hdr.SessionID)
	require.False(t, hdr.Flags.IsResponse())
	require.Equal(t, body, got)

	sock.respond(t, reply(hdr, common.StatusSuccess), []byte{0x11, 0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, uint64(7), res.resp.Header.MessageID)
	require.Equal(t, common.StatusSuccess, res.resp.Header.Status)
	require.Len(t, res.resp.Body(), 8)
	require.Len(t, res.resp.Message(), common.HeaderSize+8)
	res.resp.Release()

	credits, inFlight := c.credits.snapshot()
	require.Equal(t, 1, credits)
	require.Equal(t, 0, inFlight)
	require.Equal(t, 0, c.registry.len())

	snap := tr.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.Submitted)
	require.Equal(t, uint64(1), snap.Completed)
	require.Equal(t, int64(1), snap.LatencyCount)
}

// TestRoundTripCreditWindowOfOne verifies that with a single credit the
// second request is only written after the first one was answered
func TestRoundTripCreditWindowOfOne(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)

	results := make(chan roundTripResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}})
			results <- roundTripResult{resp, err}
		}()
	}

	first, _ := sock.nextRequest(t)
	sock.requireNoRequest(t)

	sock.respond(t, reply(first, common.StatusSuccess), echoRequest)
	second, _ := sock.nextRequest(t)
	require.Equal(t, first.MessageID+1, second.MessageID)
	sock.respond(t, reply(second, common.StatusSuccess), echoRequest)

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		res.resp.Release()
	}
}

// TestRoundTripInFlightBound answers requests in batches and checks that the
// client never has more than Credits.Max requests on the wire
func TestRoundTripInFlightBound(t *testing.T) {
	const (
		maxInFlight = 4
		requests    = 20
	)
	tr, c, sock := newScriptedTransport(t, func(cfg *common.ClientConfig) {
		cfg.Credits.Initial = 100
		cfg.Credits.Max = maxInFlight
	}, nil)

	var g errgroup.Group
	for i := 0; i < requests; i++ {
		g.Go(func() error {
			resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{1, 2, 3}}})
			if err != nil {
				return err
			}
			resp.Release()
			return nil
		})
	}

	answered := 0
	progress := time.Now()
	var batch []common.Header
	for answered < requests {
		hdr, _, ok := sock.tryNextRequest(50 * time.Millisecond)
		if ok {
			batch = append(batch, hdr)
			require.LessOrEqual(t, len(batch), maxInFlight)
			continue
		}
		if len(batch) == 0 {
			require.Less(t, time.Since(progress), 2*time.Second, "client stalled after %d responses", answered)
			continue
		}
		progress = time.Now()
		for _, h := range batch {
			sock.respond(t, reply(h, common.StatusSuccess), []byte{0x11, 0x00})
		}
		answered += len(batch)
		batch = batch[:0]
	}

	require.NoError(t, g.Wait())
	require.Equal(t, 0, c.registry.len())
}

// TestSendAsyncOvercommits verifies that async requests never wait for
// credits and that each callback runs exactly once in completion order
func TestSendAsyncOvercommits(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	type completion struct {
		mid uint64
		err error
	}
	completions := make(chan completion, 3)
	var calls atomic.Int32
	cb := func(resp *transport.Response, err error) {
		calls.Add(1)
		if resp != nil {
			completions <- completion{resp.Header.MessageID, err}
			resp.Release()
			return
		}
		completions <- completion{err: err}
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.SendAsync(&transport.Request{Command: common.CmdRead, Body: [][]byte{{byte(i)}}}, cb))
	}

	var sent []common.Header
	for i := 0; i < 3; i++ {
		hdr, body := sock.nextRequest(t)
		require.Equal(t, []byte{byte(i)}, body)
		sent = append(sent, hdr)
	}
	credits, inFlight := c.credits.snapshot()
	require.Equal(t, -2, credits)
	require.Equal(t, 3, inFlight)

	for _, hdr := range sent {
		sock.respond(t, reply(hdr, common.StatusSuccess), []byte{0x11, 0x00})
	}
	for _, hdr := range sent {
		got := <-completions
		require.NoError(t, got.err)
		require.Equal(t, hdr.MessageID, got.mid)
	}

	require.Eventually(t, func() bool { return c.registry.len() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
	credits, inFlight = c.credits.snapshot()
	require.Equal(t, 1, credits)
	require.Equal(t, 0, inFlight)
}

func TestSendAsyncRequiresCallback(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)
	require.Error(t, tr.SendAsync(&transport.Request{Command: common.CmdEcho}, nil))
	sock.requireNoRequest(t)
}

func TestSendNoWait(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	require.NoError(t, tr.SendNoWait(&transport.Request{Command: common.CmdWrite, Body: [][]byte{{0xFF}}}))
	hdr, _ := sock.nextRequest(t)
	sock.respond(t, reply(hdr, common.StatusSuccess), []byte{0x11, 0x00})

	require.Eventually(t, func() bool { return c.registry.len() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(1), tr.metrics.Snapshot().Completed)
}

// TestRoundTripFailFast verifies that a fail fast request does not queue
// behind a missing credit
func TestRoundTripFailFast(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)

	first := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}})
		first <- roundTripResult{resp, err}
	}()
	hdr, _ := sock.nextRequest(t)

	_, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}, FailFast: true})
	require.ErrorIs(t, err, common.ErrNoCredits)
	require.True(t, common.IsRetryable(err))
	sock.requireNoRequest(t)

	sock.respond(t, reply(hdr, common.StatusSuccess), echoRequest)
	res := <-first
	require.NoError(t, res.err)
	res.resp.Release()
}

func TestRoundTripCancelledBeforeSend(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.RoundTrip(ctx, &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}})
	require.ErrorIs(t, err, common.ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	sock.requireNoRequest(t)
}

// TestInvalidMessagesAreDropped verifies that undecodable, non response and
// unknown messages are counted and dropped without breaking the connection
func TestInvalidMessagesAreDropped(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	// garbage header
	require.NoError(t, sock.writeRaw(make([]byte, common.HeaderSize)))
	// a request instead of a response
	req := common.Header{Command: common.CmdEcho, MessageID: 0}
	require.NoError(t, sock.writeRaw(req.Bytes()))
	// response to a mid that was never sent
	sock.respond(t, common.Header{Command: common.CmdRead, MessageID: 99, Credits: 1}, nil)

	require.Eventually(t, func() bool {
		snap := tr.metrics.Snapshot()
		return snap.Malformed == 2 && snap.Stray == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, StateGood, c.State())

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}})
		done <- roundTripResult{resp, err}
	}()
	hdr, _ := sock.nextRequest(t)
	sock.respond(t, reply(hdr, common.StatusSuccess), echoRequest)
	res := <-done
	require.NoError(t, res.err)
	res.resp.Release()
}

// TestServerClosedConnection verifies that EOF on the socket fails the
// pending requests with a retryable error
func TestServerClosedConnection(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{1}}})
		done <- roundTripResult{resp, err}
	}()
	sock.nextRequest(t)

	require.NoError(t, sock.out.Close())
	res := <-done
	require.ErrorIs(t, res.err, common.ErrRetryNeeded)
	require.Equal(t, StateNeedReconnect, c.State())
}

func TestSignedRoundTrip(t *testing.T) {
	signer, err := signing.NewSigner(common.SigningAlgAESCMAC, bytes.Repeat([]byte{0x42}, 16))
	require.NoError(t, err)
	tr, c, sock := newScriptedTransport(t, nil, &ClientOptions{Signer: signer})

	run := func() chan roundTripResult {
		done := make(chan roundTripResult, 1)
		go func() {
			resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{1, 2}, {3}}, Sign: true})
			done <- roundTripResult{resp, err}
		}()
		return done
	}

	// properly signed response
	done := run()
	hdr, body := sock.nextRequest(t)
	require.True(t, hdr.Flags.IsSigned())
	require.True(t, signer.Verify(append(hdr.Bytes(), body...), hdr.MessageID))
	sock.respondSigned(t, reply(hdr, common.StatusSuccess), []byte{0x11, 0x00}, signer)
	res := <-done
	require.NoError(t, res.err)
	res.resp.Release()

	// unsigned response to a signed request
	done = run()
	hdr, _ = sock.nextRequest(t)
	sock.respond(t, reply(hdr, common.StatusSuccess), []byte{0x11, 0x00})
	res = <-done
	require.ErrorIs(t, res.err, common.ErrInvalidSignature)
	require.Equal(t, common.KindMalformed, common.KindOf(res.err))

	// a bad signature fails only the request, not the connection
	require.Equal(t, StateGood, c.State())
	require.Equal(t, uint64(1), tr.metrics.Snapshot().Malformed)
}

// TestInstalledSignerSignsEveryRequest verifies that once a signer is
// installed requests are signed and responses verified without Request.Sign
func TestInstalledSignerSignsEveryRequest(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)
	signer, err := signing.NewSigner(common.SigningAlgHMACSHA256, bytes.Repeat([]byte{0x05}, 16))
	require.NoError(t, err)
	tr.SetSigner(signer)

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}})
		done <- roundTripResult{resp, err}
	}()
	hdr, body := sock.nextRequest(t)
	require.True(t, hdr.Flags.IsSigned())
	require.True(t, signer.Verify(append(hdr.Bytes(), body...), hdr.MessageID))

	sock.respond(t, reply(hdr, common.StatusSuccess), echoRequest)
	res := <-done
	require.ErrorIs(t, res.err, common.ErrInvalidSignature)
}

// TestSignedInterimResponseIsVerified verifies that a signed interim
// response with a bad signature neither grants credits nor sets the async id
func TestSignedInterimResponseIsVerified(t *testing.T) {
	signer, err := signing.NewSigner(common.SigningAlgAESCMAC, bytes.Repeat([]byte{0x42}, 16))
	require.NoError(t, err)
	forger, err := signing.NewSigner(common.SigningAlgAESCMAC, bytes.Repeat([]byte{0x24}, 16))
	require.NoError(t, err)
	tr, c, sock := newScriptedTransport(t, nil, &ClientOptions{Signer: signer})

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdChangeNotify, Body: [][]byte{{1}}})
		done <- roundTripResult{resp, err}
	}()
	hdr, _ := sock.nextRequest(t)
	req, ok := c.registry.lookup(hdr.MessageID)
	require.True(t, ok)

	interim := reply(hdr, common.StatusPending)
	interim.Flags |= common.FlagAsyncCommand
	interim.AsyncID = 0x55
	interim.Credits = 8
	sock.respondSigned(t, interim, []byte{0x09, 0x00}, forger)
	require.Eventually(t, func() bool { return tr.metrics.Snapshot().Malformed == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(0), req.getAsyncID())
	credits, _ := c.credits.snapshot()
	require.Equal(t, 0, credits)

	// unsigned interim responses are accepted
	sock.respond(t, interim, []byte{0x09, 0x00})
	require.Eventually(t, func() bool { return req.getAsyncID() == 0x55 }, time.Second, time.Millisecond)

	final := reply(hdr, common.StatusSuccess)
	final.Flags |= common.FlagAsyncCommand
	final.AsyncID = 0x55
	sock.respondSigned(t, final, []byte{0x09, 0x00}, signer)
	res := <-done
	require.NoError(t, res.err)
	res.resp.Release()
}

func TestSignedRequestWithoutSigner(t *testing.T) {
	tr, _, sock := newScriptedTransport(t, nil, nil)

	_, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Sign: true})
	require.ErrorIs(t, err, common.ErrMalformed)
	sock.requireNoRequest(t)
}

// TestTimeoutResetsConnection verifies that an unanswered request resets
// the connection with a retryable timeout
func TestTimeoutResetsConnection(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{1}}})
		done <- roundTripResult{resp, err}
	}()
	sock.nextRequest(t)

	require.False(t, c.reapExpired(time.Now()))
	require.True(t, c.reapExpired(time.Now().Add(2*time.Minute)))

	res := <-done
	require.ErrorIs(t, res.err, common.ErrTimeout)
	require.True(t, common.IsRetryable(res.err))
	require.Equal(t, StateNeedReconnect, c.State())
	require.Equal(t, uint64(1), tr.metrics.Snapshot().Timeouts)
}

// TestInterimResponseStopsTimeout verifies that a request acknowledged with
// STATUS_PENDING may wait past the timeout for its final response
func TestInterimResponseStopsTimeout(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdChangeNotify, Body: [][]byte{{1}}})
		done <- roundTripResult{resp, err}
	}()
	hdr, _ := sock.nextRequest(t)

	interim := reply(hdr, common.StatusPending)
	interim.Flags |= common.FlagAsyncCommand
	interim.AsyncID = 0x77
	sock.respond(t, interim, []byte{0x09, 0x00})

	require.Eventually(t, func() bool {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		return c.deadlines.Len() == 0
	}, time.Second, time.Millisecond)
	require.False(t, c.reapExpired(time.Now().Add(2*time.Minute)))

	final := reply(hdr, common.StatusSuccess)
	final.Flags |= common.FlagAsyncCommand
	final.AsyncID = 0x77
	sock.respond(t, final, []byte{0x09, 0x00})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, uint64(0x77), res.resp.Header.AsyncID)
	res.resp.Release()
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, func(cfg *common.ClientConfig) { cfg.Credits.Initial = 2 }, nil)

	require.NoError(t, tr.SendAsync(&transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}},
		func(*transport.Response, error) { panic("boom") }))
	hdr, _ := sock.nextRequest(t)
	sock.respond(t, reply(hdr, common.StatusSuccess), echoRequest)

	ok := make(chan error, 1)
	require.NoError(t, tr.SendAsync(&transport.Request{Command: common.CmdEcho, Body: [][]byte{echoRequest}},
		func(resp *transport.Response, err error) {
			if resp != nil {
				resp.Release()
			}
			ok <- err
		}))
	hdr, _ = sock.nextRequest(t)
	sock.respond(t, reply(hdr, common.StatusSuccess), echoRequest)

	select {
	case err := <-ok:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor stopped after a panicking callback")
	}
	require.Eventually(t, func() bool { return c.registry.len() == 0 }, time.Second, time.Millisecond)
}

// TestCloseFailsOutstanding verifies that teardown fails waiting callers,
// callers queued for credits and async callbacks with ErrShutdown
func TestCloseFailsOutstanding(t *testing.T) {
	tr, c, sock := newScriptedTransport(t, nil, nil)

	sent := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{1}}})
		sent <- roundTripResult{resp, err}
	}()
	sock.nextRequest(t)

	queued := make(chan roundTripResult, 1)
	go func() {
		resp, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdRead, Body: [][]byte{{2}}})
		queued <- roundTripResult{resp, err}
	}()
	require.Eventually(t, func() bool {
		c.credits.mu.Lock()
		defer c.credits.mu.Unlock()
		return c.credits.waiters.Len() == 1
	}, time.Second, time.Millisecond)

	async := make(chan error, 1)
	require.NoError(t, tr.SendAsync(&transport.Request{Command: common.CmdRead, Body: [][]byte{{3}}},
		func(resp *transport.Response, err error) {
			if resp != nil {
				resp.Release()
			}
			async <- err
		}))
	sock.nextRequest(t)

	require.NoError(t, tr.Close())

	require.ErrorIs(t, (<-sent).err, common.ErrShutdown)
	require.ErrorIs(t, (<-queued).err, common.ErrShutdown)
	require.ErrorIs(t, <-async, common.ErrShutdown)
	require.Equal(t, StateExiting, c.State())
	require.Eventually(t, func() bool { return c.registry.len() == 0 }, time.Second, time.Millisecond)

	_, err := tr.RoundTrip(context.Background(), &transport.Request{Command: common.CmdEcho})
	require.ErrorIs(t, err, common.ErrShutdown)
	require.ErrorIs(t, tr.SendNoWait(&transport.Request{Command: common.CmdEcho}), common.ErrShutdown)
}

func TestConnectWithoutEndpoints(t *testing.T) {
	tr := NewBaseClientTransport(testConnector{}, nil)
	require.Error(t, tr.Connect(common.DefaultClientConfig()))
}
