package call

import (
	"fmt"

	"github.com/ValentinKolb/dSMB/cmd/util"
	"github.com/ValentinKolb/dSMB/rpc/client"
	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	session *client.Session
	metrics *base.Metrics

	// CallCommands represents the client command group
	CallCommands = &cobra.Command{
		Use:                "call",
		Short:              "Send requests to an SMB2 server",
		PersistentPreRunE:  setupSession,
		PersistentPostRunE: closeSession,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common client flags to the call command
	util.SetupClientFlags(CallCommands)

	CallCommands.PersistentFlags().Uint64("session-id", 0, util.WrapString("SessionId carried by every request"))
	CallCommands.PersistentFlags().Uint32("tree-id", 0, util.WrapString("TreeId carried by every request"))
	CallCommands.PersistentFlags().Bool("print-metrics", false, util.WrapString("Print the transport metrics in the Prometheus text format before exiting"))

	// Add subcommands
	CallCommands.AddCommand(echoCmd)
	CallCommands.AddCommand(sendCmd)
	CallCommands.AddCommand(lockCmd)
	CallCommands.AddCommand(perfTestCmd)
}

// setupSession connects the transport and opens the session
func setupSession(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	metrics = base.NewMetrics(viper.GetString("transport"))
	t, err := util.GetTransport(&base.ClientOptions{
		Metrics: metrics,
		OnStateChange: func(endpoint string, state base.ConnState, cause error) {
			if state == base.StateNeedReconnect {
				fmt.Printf("connection to %s lost: %v\n", endpoint, cause)
			}
		},
	})
	if err != nil {
		return err
	}

	session, err = client.NewSession(*config, t)
	if err != nil {
		return err
	}
	session.SetSessionID(viper.GetUint64("session-id"))
	session.SetTreeID(viper.GetUint32("tree-id"))
	return nil
}

// closeSession tears the transport down after the command ran
func closeSession(cmd *cobra.Command, _ []string) error {
	if session == nil {
		return nil
	}
	err := session.Close()
	if viper.GetBool("print-metrics") {
		metrics.WritePrometheus(cmd.OutOrStdout())
	}
	return err
}
