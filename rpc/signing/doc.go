// Package signing implements SMB2 message signing for the client transport.
//
// Signing protects the integrity of every message of a session: the sender
// computes a 16 byte signature over the whole message with the signature
// field zeroed and stores it at offset 48 of the header, the receiver
// recomputes and compares it.
//
// # Algorithms
//
//   - HMAC-SHA256 (SMB 2.x): truncated to 16 bytes
//   - AES-128-CMAC (SMB 3.x): per RFC 4493
//
// Both implement transport.ISigner. The transport signs after the message id
// is assigned, under the send lock, and verifies on the receive path; a
// mismatch fails only the affected request with common.ErrInvalidSignature.
//
// The signing key itself comes from the authentication handshake, which is
// not part of this module.
package signing
