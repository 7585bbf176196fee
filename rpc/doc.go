// Package rpc provides the client side of the SMB2 protocol: the request and
// response transport and the session built on top of it.
//
// The package is organized into several subpackages:
//
//   - common: The SMB2 header codec, the direct TCP framing, the client
//     configuration, the error domain shared by all layers, and logging.
//
//   - transport: The transport interfaces with the socket independent
//     implementation in base (credit gate, request registry, dispatcher,
//     receiver, cancellation) and the tcp and unix connectors. smbtest holds
//     an in-process SMB2 server for tests and the command line.
//
//   - signing: HMAC-SHA256 and AES-CMAC message signing.
//
//   - client: The Session, which keeps the session identity across reconnects
//     and resubmits requests that failed with a retryable error.
package rpc
