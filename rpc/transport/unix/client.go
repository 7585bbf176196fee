package unix

import (
	"net"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return net.Dial("unix", endpoint)
}

// UpgradeConnection applies the SocketConf buffer sizes, the TCP options do not apply
func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	if size := config.Transport.WriteBufferSize; size > 0 {
		if err := unixConn.SetWriteBuffer(size); err != nil {
			return err
		}
	}
	if size := config.Transport.ReadBufferSize; size > 0 {
		if err := unixConn.SetReadBuffer(size); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixClientTransport creates a new SMB2 client transport over a Unix socket. opts may be nil.
func NewUnixClientTransport(opts *base.ClientOptions) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, opts)
}
