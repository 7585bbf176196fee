// Package common provides core data structures and utilities shared across
// the SMB2 client transport. It defines the wire level header, the error
// domain, configuration structures and logging used by the other packages.
//
// The package focuses on:
//   - The 64 byte SMB2 common header and the direct TCP transport prefix
//   - One error domain for every layer (retry, malformed, host down, interrupted)
//   - Configuration structures for the client transport
//   - Custom logging implementation integrated with Dragonboat's logger
//
// Key Components:
//
//   - Header: Encoding and parsing of the SMB2 common header. Only the fields
//     needed to correlate a response with its request are interpreted by the
//     transport (MessageID, Status, Flags, Credits, AsyncID), the body is opaque.
//
//   - Errors: ErrRetryNeeded, ErrMalformed, ErrShutdown and ErrInterrupted
//     are the sentinels every component wraps. KindOf maps any error to the
//     caller visible ErrorKind.
//
//   - ClientConfig: Configuration for client components, controlling endpoints,
//     timeouts, credits, the send retry policy and signing.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
