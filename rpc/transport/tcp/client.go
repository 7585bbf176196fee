package tcp

import (
	"net"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
)

// dialTimeout bounds connection establishment, SMB servers answer the
// handshake immediately
const dialTimeout = 10 * time.Second

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return net.DialTimeout("tcp", endpoint, dialTimeout)
}

// UpgradeConnection applies the TCPConf and SocketConf settings to a TCP connection
func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}
	tc := config.Transport

	// Disable Nagle's algorithm, requests are small and latency bound
	if err := tcpConn.SetNoDelay(tc.TCPNoDelay); err != nil {
		return err
	}

	if tc.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(tc.WriteBufferSize); err != nil {
			return err
		}
	}
	if tc.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(tc.ReadBufferSize); err != nil {
			return err
		}
	}

	if tc.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(tc.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// negative keeps the OS default
	if tc.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(tc.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new SMB2 client transport over TCP. opts may be nil.
func NewTCPClientTransport(opts *base.ClientOptions) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, opts)
}
