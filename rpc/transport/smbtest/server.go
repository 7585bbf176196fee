package smbtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(common.LoggerTest)

const (
	defaultWorkersPerConn = 64
	defaultMaxGrant       = 64
)

// echoBody is the SMB2 ECHO request and response: StructureSize (4) and two reserved bytes
var echoBody = []byte{0x04, 0x00, 0x00, 0x00}

// -----------------------------------------------------------
// Handler
// -----------------------------------------------------------

// Request is one request as received by the server
type Request struct {
	Header common.Header
	Body   []byte
}

// Reply tells the server how to answer a request
type Reply struct {
	Status common.Status
	Body   []byte

	// Async sends an interim STATUS_PENDING response first
	Async bool
	// Delay postpones the final response
	Delay time.Duration
	// Block holds the response until the request is cancelled, it is then
	// answered with STATUS_CANCELLED
	Block bool
	// Drop never answers the request
	Drop bool
}

// Handler computes the reply to one request. It runs on a worker goroutine
// and may block.
type Handler func(req *Request) *Reply

// LoopbackHandler answers ECHO as a real server does and every other
// command with a copy of its request body
func LoopbackHandler(req *Request) *Reply {
	if req.Header.Command == common.CmdEcho {
		return &Reply{Body: echoBody}
	}
	body := make([]byte, len(req.Body))
	copy(body, req.Body)
	return &Reply{Body: body}
}

// -----------------------------------------------------------
// Server
// -----------------------------------------------------------

// Option configures a Server
type Option func(*Server)

// WithSigner signs every response with signer
func WithSigner(signer transport.ISigner) Option {
	return func(s *Server) { s.signer = signer }
}

// WithMaxGrant caps the credits granted per response
func WithMaxGrant(n uint16) Option {
	return func(s *Server) { s.maxGrant = n }
}

// WithWorkers limits the requests processed concurrently per connection
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = max(1, n) }
}

// Server is a minimal SMB2 server speaking the direct TCP framing. It
// correlates by message id, grants credits, honours CANCEL and leaves the
// meaning of every command to the Handler.
type Server struct {
	handler  Handler
	signer   transport.ISigner
	maxGrant uint16
	workers  int

	listener net.Listener
	closed   atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	nextAsyncID atomic.Uint64
	commands    *xsync.MapOf[common.Command, *xsync.Counter]
	blocked     *xsync.Counter
}

// NewServer creates a server answering with handler
func NewServer(handler Handler, opts ...Option) *Server {
	s := &Server{
		handler:  handler,
		maxGrant: defaultMaxGrant,
		workers:  defaultWorkersPerConn,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		commands: xsync.NewMapOf[common.Command, *xsync.Counter](),
		blocked:  xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr ("tcp" or "unix" network) and serves in the background
func (s *Server) Start(network, addr string) error {
	listener, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	s.listener = listener

	Logger.Infof("Starting fake SMB2 server on %s %s with %d workers per connection", network, listener.Addr(), s.workers)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Count returns how many requests of cmd the server received
func (s *Server) Count(cmd common.Command) int64 {
	if c, ok := s.commands.Load(cmd); ok {
		return c.Value()
	}
	return 0
}

// Blocked returns how many requests currently wait for a cancel
func (s *Server) Blocked() int64 {
	return s.blocked.Value()
}

// DropConnections closes every client connection, the server keeps listening
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close stops the server and waits for all its goroutines
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// serverConn is the state of one client connection
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	// requests waiting for a cancel, by mid and by async id
	blocked  *xsync.MapOf[uint64, chan struct{}]
	asyncIDs *xsync.MapOf[uint64, uint64]

	// blocked LOCK requests by range
	lockRanges *xsync.MapOf[string, uint64]
}

// handleConnection reads requests until the connection fails and processes
// them on a bounded number of workers
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
	}()

	sc := &serverConn{
		conn:       conn,
		blocked:    xsync.NewMapOf[uint64, chan struct{}](),
		asyncIDs:   xsync.NewMapOf[uint64, uint64](),
		lockRanges: xsync.NewMapOf[string, uint64](),
	}

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	defer func() {
		// release blocked requests, nobody is left to cancel them
		sc.blocked.Range(func(mid uint64, ch chan struct{}) bool {
			if _, ok := sc.blocked.LoadAndDelete(mid); ok {
				close(ch)
			}
			return true
		})
		wg.Wait()
	}()

	var prefix [common.TransportHeaderSize]byte
	for {
		msg, err := readRequest(conn, prefix[:])
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				Logger.Debugf("Connection closed: %v", err)
			} else {
				Logger.Warningf("Error reading request: %v", err)
			}
			return
		}

		hdr, err := common.ParseHeader(msg)
		if err != nil {
			Logger.Errorf("Dropping malformed request: %v", err)
			return
		}
		s.counter(hdr.Command).Inc()

		// CANCEL has no response and is handled inline so it overtakes the workers
		if hdr.Command == common.CmdCancel {
			sc.cancel(hdr)
			continue
		}

		req := &Request{Header: hdr, Body: msg[common.HeaderSize:]}
		if hdr.Flags.IsAsync() {
			Logger.Warningf("Request mid %d has the async flag set", hdr.MessageID)
		}

		// an unlock releases a blocked LOCK on the same ranges
		if hdr.Command == common.CmdLock {
			sc.unlock(req)
		}

		workerSemaphore <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-workerSemaphore
				wg.Done()
			}()
			s.process(sc, req)
		}()
	}
}

// process runs the handler for one request and writes its response(s)
func (s *Server) process(sc *serverConn, req *Request) {
	start := time.Now()
	reply := s.handler(req)
	if reply == nil || reply.Drop {
		Logger.Debugf("Dropping mid %d (%s)", req.Header.MessageID, req.Header.Command)
		return
	}

	// registered before the interim response so a CANCEL cannot overtake it
	var cancelled chan struct{}
	if reply.Block {
		cancelled = make(chan struct{})
		sc.blocked.Store(req.Header.MessageID, cancelled)
		if req.Header.Command == common.CmdLock {
			sc.trackLock(req)
			defer sc.untrackLock(req)
		}
	}

	var asyncID uint64
	if reply.Async {
		asyncID = s.nextAsyncID.Add(1)
		sc.asyncIDs.Store(asyncID, req.Header.MessageID)
		defer sc.asyncIDs.Delete(asyncID)
		s.respond(sc, req, asyncID, &Reply{Status: common.StatusPending}, 0)
	}

	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		}
	}

	if reply.Block {
		s.blocked.Inc()
		defer s.blocked.Dec()
		select {
		case <-cancelled:
			reply = &Reply{Status: common.StatusCancelled}
		case <-s.done:
			return
		}
	}

	s.respond(sc, req, asyncID, reply, s.grant(req.Header.Credits))
	Logger.Debugf("Processed mid %d (%s) in %s", req.Header.MessageID, req.Header.Command, time.Since(start))
}

// respond writes one response for req
func (s *Server) respond(sc *serverConn, req *Request, asyncID uint64, reply *Reply, credits uint16) {
	hdr := common.Header{
		Status:       reply.Status,
		Command:      req.Header.Command,
		CreditCharge: req.Header.CreditCharge,
		Credits:      credits,
		Flags:        common.FlagServerToRedir,
		MessageID:    req.Header.MessageID,
		SessionID:    req.Header.SessionID,
	}
	if asyncID != 0 {
		hdr.Flags |= common.FlagAsyncCommand
		hdr.AsyncID = asyncID
	} else {
		hdr.ProcessID = req.Header.ProcessID
		hdr.TreeID = req.Header.TreeID
	}

	msg := [][]byte{hdr.Bytes(), reply.Body}
	if s.signer != nil && reply.Status != common.StatusPending {
		common.SetSigned(msg[0])
		sig := s.signer.Sign(msg, hdr.MessageID)
		copy(msg[0][common.SignatureOffset:common.HeaderSize], sig[:])
	}

	size := common.HeaderSize + len(reply.Body)
	prefix := make([]byte, common.TransportHeaderSize)
	if err := common.PutTransportHeader(prefix, size); err != nil {
		Logger.Errorf("Response to mid %d too large: %v", hdr.MessageID, err)
		return
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	buffers := net.Buffers{prefix, msg[0], msg[1]}
	if _, err := buffers.WriteTo(sc.conn); err != nil {
		Logger.Errorf("Failed to write response to mid %d: %v", hdr.MessageID, err)
	}
}

// cancel releases the blocked request a CANCEL refers to
func (sc *serverConn) cancel(hdr common.Header) {
	mid := hdr.MessageID
	if hdr.Flags.IsAsync() {
		var ok bool
		if mid, ok = sc.asyncIDs.Load(hdr.AsyncID); !ok {
			Logger.Debugf("CANCEL for unknown async id %d", hdr.AsyncID)
			return
		}
	}
	if ch, ok := sc.blocked.LoadAndDelete(mid); ok {
		close(ch)
		return
	}
	Logger.Debugf("CANCEL for mid %d which is not blocked", mid)
}

// grant returns the credits granted for a request asking for requested
func (s *Server) grant(requested uint16) uint16 {
	if requested == 0 {
		return 1
	}
	return min(requested, s.maxGrant)
}

func (s *Server) counter(cmd common.Command) *xsync.Counter {
	c, _ := s.commands.LoadOrCompute(cmd, xsync.NewCounter)
	return c
}

// readRequest reads one transport frame
func readRequest(r io.Reader, prefix []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msg := make([]byte, common.TransportLength(prefix))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
