package transport

import (
	"context"
	"io"
	"net"

	"github.com/ValentinKolb/dSMB/rpc/common"
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// ISocket is the byte stream a connection runs on. Both directions may be
// partial: Writev returns how many bytes of bufs reached the socket and the
// transport resumes from there.
type ISocket interface {
	io.Reader
	// Writev writes bufs in order and returns the number of bytes written
	Writev(bufs [][]byte) (int, error)
	// Close closes the socket and unblocks a pending Read
	Close() error
}

// ISigner signs outgoing and verifies incoming SMB2 messages
type ISigner interface {
	// Sign returns the signature for the message made of frags (the first
	// fragment starts with the header, its signature field is treated as zero)
	Sign(frags [][]byte, messageID uint64) [common.SignatureSize]byte
	// Verify checks the signature embedded in msg
	Verify(msg []byte, messageID uint64) bool
}

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// --------------------------------------------------------------------------
// Requests and responses
// --------------------------------------------------------------------------

// Request is a fully encoded SMB2 request body plus the header fields the
// caller controls. MessageID, CreditCharge and Signature are filled in by
// the transport.
type Request struct {
	Command       common.Command
	Flags         common.HeaderFlags
	CreditRequest uint16
	TreeID        uint32
	SessionID     uint64
	// Body is everything after the 64 byte header, possibly split in fragments
	Body [][]byte
	// Sign requests the message to be signed even if signing is not required
	Sign bool
	// FailFast makes a blocking call fail with ErrNoCredits instead of
	// waiting for a credit
	FailFast bool
}

// Callback is invoked once per async request with either a response or an
// error. It runs on the connection's callback executor and must not block.
// The callback owns resp and must call resp.Release when done with it.
type Callback func(resp *Response, err error)

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the SMB2 client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error

	// RoundTrip sends req and blocks until the response arrives, the
	// connection fails or ctx is done. On ctx interruption the request is
	// cancelled on the wire and ErrInterrupted is returned.
	RoundTrip(ctx context.Context, req *Request) (*Response, error)

	// SendAsync sends req without waiting. If it returns nil, cb is invoked
	// exactly once, otherwise never.
	SendAsync(req *Request, cb Callback) error

	// SendNoWait sends req and discards the response once it arrives
	SendNoWait(req *Request) error

	// SetSigner installs the signer of the session. It survives reconnects.
	SetSigner(signer ISigner)

	// Close tears down all connections. Every outstanding request fails with ErrShutdown.
	Close() error
}
