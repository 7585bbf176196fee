package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultTimeoutSecond    = 60
	DefaultInitialCredits   = 1
	DefaultMaxCredits       = 512
	DefaultCreditRequest    = 8
	DefaultSendAttempts     = 8
	DefaultMinBackoffMs     = 1
	DefaultMaxBackoffMs     = 500
	DefaultBackoffFactor    = 2
	DefaultRetryCount       = 3
	DefaultCancelWaitMs     = 0
	SigningAlgHMACSHA256    = "hmac-sha256"
	SigningAlgAESCMAC       = "aes-cmac"
	DefaultSigningAlgorithm = SigningAlgHMACSHA256
)

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// SocketConf holds socket level buffer settings
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ClientTransportConfig describes where and how to connect
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int // reconnect attempts and resubmissions of RetryNeeded requests
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// CreditConf configures the credit gate of each connection
type CreditConf struct {
	// Initial is the number of credits available before the first response
	// grants any (SMB2 clients start with one)
	Initial int
	// Max is the server advertised maximum of requests in flight
	Max int
	// Request is the number of credits asked for in each request header
	// unless the request sets its own
	Request int
}

// SendRetryConf is the bounded retry policy for transient send failures
// (EAGAIN, ENOBUFS, write timeouts)
type SendRetryConf struct {
	MaxAttempts  int
	MinBackoffMs int
	MaxBackoffMs int
	Factor       float64
}

// MinBackoff returns the minimum backoff as a duration
func (c SendRetryConf) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffMs) * time.Millisecond
}

// MaxBackoff returns the maximum backoff as a duration
func (c SendRetryConf) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// SigningConf configures message signing
type SigningConf struct {
	Required  bool
	Algorithm string
	Key       []byte
}

// ClientConfig holds all configuration parameters of the SMB2 client transport
type ClientConfig struct {
	// TimeoutSecond is how long a request may stay unanswered before the
	// server is considered unresponsive. 0 disables the check.
	TimeoutSecond int

	// CancelWaitMs is how long an interrupted caller waits for the server to
	// answer after the cancel was sent. 0 returns immediately.
	CancelWaitMs int

	Transport ClientTransportConfig
	Credits   CreditConf
	SendRetry SendRetryConf
	Signing   SigningConf

	// Logging configuration
	LogLevel string
}

// DefaultClientConfig returns a configuration with sane defaults for endpoints
func DefaultClientConfig(endpoints ...string) ClientConfig {
	return ClientConfig{
		TimeoutSecond: DefaultTimeoutSecond,
		CancelWaitMs:  DefaultCancelWaitMs,
		Transport: ClientTransportConfig{
			Endpoints:              endpoints,
			RetryCount:             DefaultRetryCount,
			ConnectionsPerEndpoint: 1,
			TCPConf: TCPConf{
				TCPNoDelay:   true,
				TCPLingerSec: -1,
			},
		},
		Credits: CreditConf{
			Initial: DefaultInitialCredits,
			Max:     DefaultMaxCredits,
			Request: DefaultCreditRequest,
		},
		SendRetry: SendRetryConf{
			MaxAttempts:  DefaultSendAttempts,
			MinBackoffMs: DefaultMinBackoffMs,
			MaxBackoffMs: DefaultMaxBackoffMs,
			Factor:       DefaultBackoffFactor,
		},
		Signing: SigningConf{
			Algorithm: DefaultSigningAlgorithm,
		},
		LogLevel: "info",
	}
}

// Timeout returns the request timeout as a duration
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// CancelWait returns the post-cancel wait as a duration
func (c *ClientConfig) CancelWait() time.Duration {
	return time.Duration(c.CancelWaitMs) * time.Millisecond
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Cancel Wait", fmt.Sprintf("%d ms", c.CancelWaitMs))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))
	addField("Log Level", c.LogLevel)

	// Credits and send retries
	addSection("Flow Control")
	addField("Initial Credits", strconv.Itoa(c.Credits.Initial))
	addField("Max Credits", strconv.Itoa(c.Credits.Max))
	addField("Credit Request", strconv.Itoa(c.Credits.Request))
	addField("Send Attempts", strconv.Itoa(c.SendRetry.MaxAttempts))
	addField("Send Backoff", fmt.Sprintf("%d-%d ms (x%.2f)", c.SendRetry.MinBackoffMs, c.SendRetry.MaxBackoffMs, c.SendRetry.Factor))

	// Signing
	addSection("Signing")
	addField("Required", strconv.FormatBool(c.Signing.Required))
	addField("Algorithm", c.Signing.Algorithm)
	addField("Key", fmt.Sprintf("%d bytes", len(c.Signing.Key)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
