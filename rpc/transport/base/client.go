package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMB/lib/util"
	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/signing"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(common.LoggerTransport)

const (
	reconnectMinBackoff = 50 * time.Millisecond
	reconnectMaxBackoff = 5 * time.Second
)

// -----------------------------------------------------------
// Connection state
// -----------------------------------------------------------

// ConnState is the liveness of one connection
type ConnState int32

const (
	// StateNew is a connection that was never attached to a socket
	StateNew ConnState = iota
	// StateGood accepts requests
	StateGood
	// StateNeedReconnect rejects requests with ErrRetryNeeded until the
	// socket is replaced
	StateNeedReconnect
	// StateExiting is terminal, requests fail with ErrShutdown
	StateExiting
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGood:
		return "good"
	case StateNeedReconnect:
		return "need-reconnect"
	case StateExiting:
		return "exiting"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// ConnStateHandler is told about state changes of the connections of a
// transport. It runs on its own goroutine and may call into the transport.
type ConnStateHandler func(endpoint string, state ConnState, cause error)

// ClientOptions are the collaborators of a client transport. All fields are optional.
type ClientOptions struct {
	// Metrics receives the counters of the transport, a private set is created if nil
	Metrics *Metrics
	// Signer overrides the signer built from the signing configuration
	Signer transport.ISigner
	// CancelPolicy selects the cancel message per command, DefaultCancelPolicy if nil
	CancelPolicy CancelPolicy
	// OnStateChange is called whenever a connection changes its state
	OnStateChange ConnStateHandler
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientConnection is one slot of the transport. It outlives its sockets:
// on reconnect only the socket and the credit epoch change, message ids keep
// counting up.
type clientConnection struct {
	parent   *clientTransport
	index    int
	endpoint string
	state    atomic.Int32

	// sendMu is held for the duration of one frame write. sock is written
	// holding sendMu and sockMu, so holding either is enough to read it.
	sendMu sync.Mutex
	sockMu sync.Mutex
	sock   transport.ISocket

	registry *registry
	credits  *creditGate
	executor *util.LockFreeMPSC[pendingRequest]

	deadlineMu sync.Mutex
	deadlines  *util.MapHeap

	reconnecting atomic.Bool

	lifeMu   sync.Mutex // orders wg.Add against close
	stopped  bool
	stopCh   chan struct{}
	readerWG sync.WaitGroup
	wg       sync.WaitGroup // executor, reaper, reconnect loop
}

// clientTransport implements the SMB2 client transport independent of the
// socket type (unix, tcp, etc.)
type clientTransport struct {
	connector    transport.IClientConnector
	config       common.ClientConfig
	metrics      *Metrics
	cancelPolicy CancelPolicy
	onState      ConnStateHandler

	signerMu sync.RWMutex
	signer   transport.ISigner

	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // round robin
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new client transport that opens its
// sockets with connector. opts may be nil.
func NewBaseClientTransport(connector transport.IClientConnector, opts *ClientOptions) transport.IRPCClientTransport {
	return newClientTransport(connector, opts)
}

func newClientTransport(connector transport.IClientConnector, opts *ClientOptions) *clientTransport {
	if opts == nil {
		opts = &ClientOptions{}
	}
	t := &clientTransport{
		connector:    connector,
		config:       common.DefaultClientConfig(),
		metrics:      opts.Metrics,
		cancelPolicy: opts.CancelPolicy,
		onState:      opts.OnStateChange,
		signer:       opts.Signer,
	}
	if t.metrics == nil {
		name := "smb"
		if connector != nil {
			name = connector.GetName()
		}
		t.metrics = NewMetrics(name)
	}
	if t.cancelPolicy == nil {
		t.cancelPolicy = DefaultCancelPolicy()
	}
	return t
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()
	t.config = config

	if t.getSigner() == nil && len(config.Signing.Key) > 0 {
		signer, err := signing.NewSigner(config.Signing.Algorithm, config.Signing.Key)
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}
		t.SetSigner(signer)
	}
	if config.Signing.Required && t.getSigner() == nil {
		Logger.Warningf("Signing is required but no key is configured yet, signed requests fail until SetSigner is called")
	}

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := 1
	if config.Transport.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.Transport.ConnectionsPerEndpoint
	}

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	good := 0
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			c := newClientConnection(t, len(connections), endpoint)
			connections = append(connections, c)

			if err := c.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				c.state.Store(int32(StateNeedReconnect))
				c.scheduleReconnect()
				continue
			}
			good++
			Logger.Infof("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	if good == 0 {
		for _, c := range connections {
			c.close()
		}
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()
	for i := range connections {
		t.metrics.registerConnection(i, t)
	}

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport",
		good, len(connections), len(config.Transport.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) RoundTrip(ctx context.Context, r *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s not sent: %w: %w", r.Command, common.ErrInterrupted, err)
	}
	conn := t.getNextConnection()
	if conn == nil {
		return nil, fmt.Errorf("no active connections available: %w", common.ErrShutdown)
	}

	req, err := conn.submit(ctx, r, waitNotifier(), true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%s waiting for credits: %w: %w", r.Command, common.ErrInterrupted, err)
		}
		return nil, err
	}

	select {
	case <-req.notify.done:
		return conn.consume(req)
	case <-ctx.Done():
		return conn.interrupt(req, ctx.Err())
	}
}

func (t *clientTransport) SendAsync(r *transport.Request, cb transport.Callback) error {
	if cb == nil {
		return fmt.Errorf("callback must not be nil")
	}
	conn := t.getNextConnection()
	if conn == nil {
		return fmt.Errorf("no active connections available: %w", common.ErrShutdown)
	}
	_, err := conn.submit(context.Background(), r, callbackNotifier(cb), false)
	return err
}

func (t *clientTransport) SendNoWait(r *transport.Request) error {
	conn := t.getNextConnection()
	if conn == nil {
		return fmt.Errorf("no active connections available: %w", common.ErrShutdown)
	}
	_, err := conn.submit(context.Background(), r, discardNotifier(), false)
	return err
}

func (t *clientTransport) SetSigner(signer transport.ISigner) {
	t.signerMu.Lock()
	t.signer = signer
	t.signerMu.Unlock()
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) getSigner() transport.ISigner {
	t.signerMu.RLock()
	defer t.signerMu.RUnlock()
	return t.signer
}

// signingActive reports whether every request is signed. That is the case
// once a signer is installed or when the configuration requires signing.
func (t *clientTransport) signingActive() bool {
	return t.config.Signing.Required || t.getSigner() != nil
}

// getNextConnection selects the next good connection via Round Robin. If
// none is good, the round robin pick is returned and fails on use.
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}
	if n == 1 {
		return t.connections[0]
	}

	start := t.nextConnIndex.Add(1)
	for i := uint64(0); i < n; i++ {
		if c := t.connections[(start+i)%n]; c.State() == StateGood {
			return c
		}
	}
	return t.connections[start%n]
}

// connectionAt returns the connection in slot index
func (t *clientTransport) connectionAt(index int) *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()
	if index < 0 || index >= len(t.connections) {
		return nil
	}
	return t.connections[index]
}

// closeConnections tears down all connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		c.close()
	}
}

// stateChanged logs a state change and informs the handler
func (t *clientTransport) stateChanged(c *clientConnection, state ConnState, cause error) {
	if cause != nil {
		Logger.Infof("Connection %d to %s is %s: %v", c.index, c.endpoint, state, cause)
	} else {
		Logger.Infof("Connection %d to %s is %s", c.index, c.endpoint, state)
	}
	if t.onState != nil {
		go t.onState(c.endpoint, state, cause)
	}
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// newClientConnection creates an unattached connection and starts its
// callback executor and timeout reaper
func newClientConnection(parent *clientTransport, index int, endpoint string) *clientConnection {
	c := &clientConnection{
		parent:    parent,
		index:     index,
		endpoint:  endpoint,
		registry:  newRegistry(),
		credits:   newCreditGate(parent.config.Credits.Initial, parent.config.Credits.Max),
		executor:  util.NewLockFreeMPSC[pendingRequest](),
		deadlines: util.NewMapHeap(),
		stopCh:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.runExecutor()
	go c.runReaper()
	return c
}

// State returns the current liveness state
func (c *clientConnection) State() ConnState {
	return ConnState(c.state.Load())
}

// usable returns nil if requests may be sent right now
func (c *clientConnection) usable() error {
	switch c.State() {
	case StateGood:
		return nil
	case StateExiting:
		return fmt.Errorf("connection to %s: %w", c.endpoint, common.ErrShutdown)
	}
	c.scheduleReconnect()
	return fmt.Errorf("connection to %s is not ready: %w", c.endpoint, common.ErrRetryNeeded)
}

// submit admits, registers and sends one request. Once a request is
// returned its notifier fires exactly once, even if the send failed.
func (c *clientConnection) submit(ctx context.Context, r *transport.Request, n notifier, hard bool) (*pendingRequest, error) {
	req, msg, err := c.prepare(ctx, r, n, hard)
	if err != nil {
		return nil, err
	}
	c.dispatch(req, msg)
	return req, nil
}

// prepare admits and registers a request and encodes its message
func (c *clientConnection) prepare(ctx context.Context, r *transport.Request, n notifier, hard bool) (*pendingRequest, [][]byte, error) {
	if err := c.usable(); err != nil {
		return nil, nil, err
	}

	var epoch uint64
	var err error
	if hard && r.FailFast {
		epoch, err = c.credits.tryAcquire()
	} else {
		epoch, err = c.credits.acquire(ctx, hard)
	}
	if err != nil {
		return nil, nil, err
	}
	req, err := c.registry.register(c, r.Command, n, epoch)
	if err != nil {
		c.credits.release(epoch, 1)
		return nil, nil, err
	}

	creditRequest := r.CreditRequest
	if creditRequest == 0 {
		creditRequest = uint16(max(1, c.parent.config.Credits.Request))
	}
	req.header = common.Header{
		CreditCharge: 1,
		Command:      r.Command,
		Credits:      creditRequest,
		Flags:        r.Flags &^ (common.FlagServerToRedir | common.FlagAsyncCommand | common.FlagSigned),
		MessageID:    req.mid,
		TreeID:       r.TreeID,
		SessionID:    r.SessionID,
	}
	req.body = r.Body
	req.signed = r.Sign || c.parent.signingActive()

	msg := make([][]byte, 0, len(r.Body)+1)
	msg = append(msg, req.header.Bytes())
	msg = append(msg, r.Body...)
	return req, msg, nil
}

// dispatch marks a prepared request submitted and writes it. Failures
// complete the request.
func (c *clientConnection) dispatch(req *pendingRequest, msg [][]byte) {
	// a drain got to it first, the notifier already fired
	if !req.markSubmitted() {
		return
	}
	c.parent.metrics.submitted.Inc()

	if err := c.send(req, msg, true); err != nil {
		c.complete(req, stateForError(err), common.Header{}, nil, err)
	}
}

// consume takes the result of a completed blocking request and deletes it
func (c *clientConnection) consume(req *pendingRequest) (*transport.Response, error) {
	resp, err := req.takeResponse()
	if err == nil {
		c.parent.metrics.observeLatency(sinceSent(req))
	}
	c.deleteRequest(req)
	return resp, err
}

// drain fails every request that is not terminal yet
func (c *clientConnection) drain(state requestState, err error) {
	for _, req := range c.registry.snapshot() {
		c.complete(req, state, common.Header{}, nil, err)
	}
}

// markNeedReconnect resets a good connection: the socket is closed and
// every pending request fails with ErrRetryNeeded. It must not take sendMu,
// the send path calls it while holding the lock.
func (c *clientConnection) markNeedReconnect(cause error) {
	if !c.state.CompareAndSwap(int32(StateGood), int32(StateNeedReconnect)) {
		return
	}

	c.closeSocket()

	err := cause
	if !errors.Is(cause, common.ErrRetryNeeded) {
		err = fmt.Errorf("%w: %w", common.ErrRetryNeeded, cause)
	}
	c.drain(stateRetryNeeded, err)

	c.parent.stateChanged(c, StateNeedReconnect, cause)
	c.scheduleReconnect()
}

func (c *clientConnection) closeSocket() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock != nil {
		_ = c.sock.Close()
	}
}

// attach puts the connection on sock and starts its reader
func (c *clientConnection) attach(sock transport.ISocket) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	prev := c.State()
	if prev == StateExiting {
		_ = sock.Close()
		return common.ErrShutdown
	}

	// the reader of the previous socket stops once that socket is closed
	c.readerWG.Wait()

	c.sockMu.Lock()
	c.sock = sock
	c.sockMu.Unlock()

	c.credits.reset(c.parent.config.Credits.Initial)
	c.credits.setMax(c.parent.config.Credits.Max)

	if !c.state.CompareAndSwap(int32(prev), int32(StateGood)) {
		// close won the race
		_ = sock.Close()
		return common.ErrShutdown
	}

	c.readerWG.Add(1)
	go c.readLoop(sock)
	return nil
}

// reconnect dials the endpoint and attaches the new socket
func (c *clientConnection) reconnect() error {
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	return c.attach(NewNetSocket(conn))
}

// scheduleReconnect starts the reconnect loop unless one is running
func (c *clientConnection) scheduleReconnect() {
	if c.parent.connector == nil || c.State() != StateNeedReconnect {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.stopped {
		c.reconnecting.Store(false)
		return
	}
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop tries up to RetryCount times to replace the socket. If all
// attempts fail the connection stays in NeedReconnect and the next request
// on it starts a new loop.
func (c *clientConnection) reconnectLoop() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	attempts := max(1, c.parent.config.Transport.RetryCount)
	b := &backoff.Backoff{
		Min:    reconnectMinBackoff,
		Max:    reconnectMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for i := 0; i < attempts; i++ {
		timer := time.NewTimer(b.Duration())
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.reconnect()
		if err == nil {
			c.parent.metrics.reconnects.Inc()
			c.parent.stateChanged(c, StateGood, nil)
			return
		}
		if errors.Is(err, common.ErrShutdown) {
			return
		}
		Logger.Warningf("Reconnect %d/%d to %s failed: %v", i+1, attempts, c.endpoint, err)
	}
	Logger.Errorf("Giving up reconnecting to %s after %d attempts", c.endpoint, attempts)
}

// close tears the connection down. Every pending request fails with
// ErrShutdown and all goroutines of the connection are stopped when it
// returns. It must not be called from a callback.
func (c *clientConnection) close() {
	if ConnState(c.state.Swap(int32(StateExiting))) == StateExiting {
		return
	}

	c.lifeMu.Lock()
	c.stopped = true
	close(c.stopCh)
	c.lifeMu.Unlock()

	c.credits.close()
	c.registry.close()
	c.drain(stateShutdown, fmt.Errorf("connection to %s closed: %w", c.endpoint, common.ErrShutdown))

	// unblock a writer first, then wait for it so a racing attach cannot
	// leave a socket behind
	c.closeSocket()
	c.sendMu.Lock()
	c.closeSocket()
	c.sendMu.Unlock()

	c.readerWG.Wait()
	c.executor.Close()
	c.wg.Wait()

	c.parent.stateChanged(c, StateExiting, nil)
}
