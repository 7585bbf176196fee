package util

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
	"github.com/ValentinKolb/dSMB/rpc/transport/tcp"
	"github.com/ValentinKolb/dSMB/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the SMB2 client transport flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	key := "timeout"
	flags.Int(key, common.DefaultTimeoutSecond, WrapString("Seconds a request may stay unanswered before the connection is reset (0 disables the check)"))

	key = "cancel-wait"
	flags.Int(key, common.DefaultCancelWaitMs, WrapString("Milliseconds an interrupted call waits for the server after sending the cancel"))

	key = "transport-endpoints"
	flags.String(key, "localhost:445", WrapString("The address of the SMB2 server. Multiple endpoints can be specified as a comma-separated list"))

	key = "transport-conn-per-endpoint"
	flags.Int(key, 1, WrapString("Simultaneous connections per endpoint"))

	key = "transport-retries"
	flags.Int(key, common.DefaultRetryCount, WrapString("How many times to reconnect and resubmit a request after a connection was lost"))

	key = "transport-write-buffer"
	flags.Int(key, 512, WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	flags.Int(key, 512, WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	flags.Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	flags.Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	flags.Int(key, -1, WrapString("The linger time (in seconds, only for tcp, -1 keeps the system default)"))

	key = "credits-initial"
	flags.Int(key, common.DefaultInitialCredits, WrapString("Credits available before the server granted any"))

	key = "credits-max"
	flags.Int(key, common.DefaultMaxCredits, WrapString("Upper bound of requests in flight per connection"))

	key = "credits-request"
	flags.Int(key, common.DefaultCreditRequest, WrapString("Credits asked for in every request"))

	key = "send-attempts"
	flags.Int(key, common.DefaultSendAttempts, WrapString("How many times a transient send failure is retried before the connection is reset"))

	key = "send-min-backoff"
	flags.Int(key, common.DefaultMinBackoffMs, WrapString("Initial backoff between send attempts (in ms)"))

	key = "send-max-backoff"
	flags.Int(key, common.DefaultMaxBackoffMs, WrapString("Maximum backoff between send attempts (in ms)"))

	key = "signing-required"
	flags.Bool(key, false, WrapString("Sign every request and reject unsigned responses"))

	key = "signing-algorithm"
	flags.String(key, common.DefaultSigningAlgorithm, WrapString(fmt.Sprintf("Signing algorithm (%s, %s)", common.SigningAlgHMACSHA256, common.SigningAlgAESCMAC)))

	key = "signing-key"
	flags.String(key, "", WrapString("Hex encoded signing key"))

	key = "log-level"
	flags.String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dsmb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() (*common.ClientConfig, error) {
	conf := common.DefaultClientConfig(strings.Split(viper.GetString("transport-endpoints"), ",")...)

	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.CancelWaitMs = viper.GetInt("cancel-wait")
	conf.LogLevel = viper.GetString("log-level")

	conf.Transport.RetryCount = viper.GetInt("transport-retries")
	conf.Transport.ConnectionsPerEndpoint = viper.GetInt("transport-conn-per-endpoint")
	conf.Transport.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
	conf.Transport.TCPConf = common.TCPConf{
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
	}

	conf.Credits.Initial = viper.GetInt("credits-initial")
	conf.Credits.Max = viper.GetInt("credits-max")
	conf.Credits.Request = viper.GetInt("credits-request")

	conf.SendRetry.MaxAttempts = viper.GetInt("send-attempts")
	conf.SendRetry.MinBackoffMs = viper.GetInt("send-min-backoff")
	conf.SendRetry.MaxBackoffMs = viper.GetInt("send-max-backoff")

	conf.Signing.Required = viper.GetBool("signing-required")
	conf.Signing.Algorithm = viper.GetString("signing-algorithm")
	if key := viper.GetString("signing-key"); key != "" {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		conf.Signing.Key = decoded
	}

	if err := common.ValidateLogLevel(conf.LogLevel); err != nil {
		return nil, err
	}
	if conf.Credits.Initial < 1 || conf.Credits.Max < conf.Credits.Initial {
		return nil, fmt.Errorf("invalid credits: initial %d, max %d", conf.Credits.Initial, conf.Credits.Max)
	}

	return &conf, nil
}

// GetTransport creates transport based on configuration
func GetTransport(opts *base.ClientOptions) (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(opts), nil
	case "unix":
		return unix.NewUnixClientTransport(opts), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
