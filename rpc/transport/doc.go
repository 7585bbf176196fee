// Package transport defines the interfaces and abstractions of the SMB2
// client transport. It provides a common contract that all transport
// implementations must fulfill, and the collaborator interfaces the core
// depends on (socket, signer, connector).
//
// Key Components:
//
//   - IRPCClientTransport: the three call conventions of the client
//     (RoundTrip, SendAsync, SendNoWait) plus connection management.
//
//   - ISocket / IClientConnector: the byte stream and how to dial it.
//
//   - ISigner: the signing subsystem used on send and receive.
//
//   - Request / Response: what callers hand to the transport and get back.
package transport
