// Package cmd implements the command-line interface of dSMB. It provides a
// fake SMB2 server for local testing and client commands that exercise the
// transport against any SMB2 server.
//
// The package is organized into several subpackages:
//
//   - call: Client commands (echo, send, lock, perf)
//   - serve: Starts the fake SMB2 server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsmb -help for a list of all commands.
package cmd
