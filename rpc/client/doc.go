// Package client implements the SMB2 session on top of the client transport.
//
// The transport (package base and its tcp and unix connectors) only moves
// requests and responses and reports a lost connection as
// common.ErrRetryNeeded. The Session owns the state that has to survive a
// reconnect: the session and tree ids and the signing key. It resubmits
// blocking requests that failed with a retryable error.
//
// Key Components:
//
//   - Session: Fills in the session identity of every request, resubmits on
//     ErrRetryNeeded with backoff (at most Transport.RetryCount times) and
//     offers Echo as a keep-alive.
//
//   - StatusError: The error of a response with an NT error status, see CheckStatus.
//
// Usage Example:
//
//	config := common.DefaultClientConfig("fileserver:445")
//	session, err := client.NewSession(config, tcp.NewTCPClientTransport(nil))
//	if err != nil {
//	    // handle error
//	}
//	defer session.Close()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	err = session.Echo(ctx)
//
// Thread Safety:
//
//	A Session can be used concurrently from multiple goroutines.
package client
