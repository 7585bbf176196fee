// Package smbtest provides a fake SMB2 server for tests and local
// benchmarks. It speaks the direct TCP framing and the common header, grants
// credits, signs responses and honours CANCEL, and leaves the semantics of
// every command to a Handler.
//
// Replies can be delayed, dropped, blocked until cancelled, or preceded by an
// interim STATUS_PENDING response, which covers the timing cases of the
// client transport.
//
// Example usage:
//
//	srv := smbtest.NewServer(smbtest.LoopbackHandler)
//	if err := srv.Start("tcp", "127.0.0.1:0"); err != nil {
//	    // handle error
//	}
//	defer srv.Close()
package smbtest
