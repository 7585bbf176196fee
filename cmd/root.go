package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dSMB/cmd/call"
	"github.com/ValentinKolb/dSMB/cmd/serve"
	"github.com/ValentinKolb/dSMB/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsmb",
		Short: "SMB2 client transport",
		Long: fmt.Sprintf(`dSMB (v%s)

An SMB2 client request/response transport written in Go, with credit
based flow control, cancellation and automatic reconnects.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSMB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSMB v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
// SIGINT and SIGTERM cancel the command context, which interrupts running requests.
func Execute() {
	ctx, stop := signalContext()
	err := RootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
