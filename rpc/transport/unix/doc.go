// Package unix implements the SMB2 client transport over Unix domain sockets.
// It is used to talk to local SMB proxies and to the fake server in tests
// without going through the TCP stack.
//
// This package only provides the connector, all request handling is
// inherited from the base package.
package unix
