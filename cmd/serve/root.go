package serve

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	cmdUtil "github.com/ValentinKolb/dSMB/cmd/util"
	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/signing"
	"github.com/ValentinKolb/dSMB/rpc/transport/smbtest"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveConfig is the configuration of the fake server
type serveConfig struct {
	Endpoint  string
	Network   string
	MaxGrant  uint16
	Workers   int
	Delay     time.Duration
	AsyncLock bool
	Algorithm string
	Key       []byte
	LogLevel  string
}

var (
	serveCmdConfig = &serveConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a fake SMB2 server",
		Long:    `Start a minimal SMB2 server that answers ECHO and returns every other request body unchanged. It grants credits, honours CANCEL and optionally signs its responses. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSMB_<flag> (e.g. DSMB_MAX_GRANT=16)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitClientConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:4445", cmdUtil.WrapString("The address on which the server will listen (e.g. localhost:4445 for tcp or /tmp/dsmb.sock for unix)"))

	key = "max-grant"
	ServeCmd.PersistentFlags().Uint16(key, 64, cmdUtil.WrapString("Maximum credits granted per response"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Requests processed concurrently per connection"))

	key = "delay"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Delay added to every response"))

	key = "async-lock"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Answer LOCK requests without the fail immediately flag with STATUS_PENDING and hold them until cancelled or unlocked"))

	key = "signing-algorithm"
	ServeCmd.PersistentFlags().String(key, common.DefaultSigningAlgorithm, cmdUtil.WrapString("Signing algorithm of the responses"))

	key = "signing-key"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Hex encoded key used to sign responses, unsigned if empty"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Network = "tcp"
	if strings.HasPrefix(serveCmdConfig.Endpoint, "/") || strings.HasSuffix(serveCmdConfig.Endpoint, ".sock") {
		serveCmdConfig.Network = "unix"
	}
	serveCmdConfig.MaxGrant = uint16(viper.GetUint("max-grant"))
	serveCmdConfig.Workers = viper.GetInt("workers")
	serveCmdConfig.Delay = viper.GetDuration("delay")
	serveCmdConfig.AsyncLock = viper.GetBool("async-lock")
	serveCmdConfig.Algorithm = viper.GetString("signing-algorithm")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if key := viper.GetString("signing-key"); key != "" {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("invalid signing key: %w", err)
		}
		serveCmdConfig.Key = decoded
	}

	return common.ValidateLogLevel(serveCmdConfig.LogLevel)
}

// run starts the fake server and blocks until it is interrupted
func run(cmd *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	opts := []smbtest.Option{
		smbtest.WithMaxGrant(serveCmdConfig.MaxGrant),
		smbtest.WithWorkers(serveCmdConfig.Workers),
	}
	if len(serveCmdConfig.Key) > 0 {
		signer, err := signing.NewSigner(serveCmdConfig.Algorithm, serveCmdConfig.Key)
		if err != nil {
			return err
		}
		opts = append(opts, smbtest.WithSigner(signer))
	}

	handler := smbtest.LoopbackHandler
	if serveCmdConfig.AsyncLock || serveCmdConfig.Delay > 0 {
		handler = func(req *smbtest.Request) *smbtest.Reply {
			reply := smbtest.LoopbackHandler(req)
			reply.Delay = serveCmdConfig.Delay
			if serveCmdConfig.AsyncLock && req.Header.Command == common.CmdLock && smbtest.IsBlockingLock(req.Body) {
				reply.Async = true
				reply.Block = true
			}
			return reply
		}
	}

	if serveCmdConfig.Network == "unix" {
		_ = os.Remove(serveCmdConfig.Endpoint)
	}

	serv := smbtest.NewServer(handler, opts...)
	if err := serv.Start(serveCmdConfig.Network, serveCmdConfig.Endpoint); err != nil {
		return err
	}
	fmt.Printf("fake SMB2 server listening on %s %s\n", serveCmdConfig.Network, serv.Addr())

	// the root command cancels the context on SIGINT and SIGTERM
	<-cmd.Context().Done()

	fmt.Println("shutting down")
	return serv.Close()
}
