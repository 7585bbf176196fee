// Package tcp implements the SMB2 client transport over TCP (direct TCP,
// port 445). It only provides the connector, all request handling lives in
// the base package.
//
// Key Components:
//
//   - clientConnector: TCP specific implementation of transport.IClientConnector.
//     UpgradeConnection applies TCPConf (no delay, keep-alive, linger) and
//     SocketConf (buffer sizes) from the client configuration.
package tcp
