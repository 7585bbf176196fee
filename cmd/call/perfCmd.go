package call

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMB/cmd/util"
	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for SMB2 servers",
		Long:    "Measures blocking, async and fire-and-forget ECHO requests against a server",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads = 10
	perfSkip       = make([]string, 0)
)

// echoBody is the SMB2 ECHO request
var echoBody = []byte{0x04, 0x00, 0x00, 0x00}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. echo,async)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for SMB2 servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	ctx := cmd.Context()
	results := make(map[string]testing.BenchmarkResult)

	// blocking round trips from parallel callers
	results["echo"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("echo") {
			return
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := session.Echo(ctx); err != nil {
					fmt.Printf("(echo) - error: %v\n", err)
				}
			}
		})
	})
	printResult("echo", results["echo"])

	// async requests, completion is awaited at the end
	results["async"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("async") {
			return
		}
		var wg sync.WaitGroup
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			wg.Add(1)
			err := session.CallAsync(common.CmdEcho, func(resp *transport.Response, err error) {
				defer wg.Done()
				if err != nil {
					fmt.Printf("(async) - error: %v\n", err)
					return
				}
				resp.Release()
			}, echoBody)
			if err != nil {
				wg.Done()
				fmt.Printf("(async) - error sending: %v\n", err)
			}
		}
		wg.Wait()
	})
	printResult("async", results["async"])

	// fire and forget, only the send path is measured
	results["no-wait"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("no-wait") {
			return
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := session.Notify(common.CmdEcho, echoBody); err != nil {
					fmt.Printf("(no-wait) - error: %v\n", err)
				}
			}
		})
	})
	printResult("no-wait", results["no-wait"])

	// blocking and async callers sharing the credit window
	results["mixed"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}
		b.ResetTimer()
		g, gctx := errgroup.WithContext(ctx)
		perThread := max(1, b.N/perfNumThreads)
		for t := 0; t < perfNumThreads; t++ {
			async := t%2 == 1
			g.Go(func() error {
				for i := 0; i < perThread; i++ {
					if async {
						done := make(chan error, 1)
						err := session.CallAsync(common.CmdEcho, func(resp *transport.Response, err error) {
							if resp != nil {
								resp.Release()
							}
							done <- err
						}, echoBody)
						if err != nil {
							return err
						}
						if err := <-done; err != nil {
							return err
						}
						continue
					}
					if err := session.Echo(gctx); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			fmt.Printf("(mixed) - error: %v\n", err)
		}
	})
	printResult("mixed", results["mixed"])

	fmt.Println()
	fmt.Println("Transport:")
	fmt.Println(metrics.Snapshot().String())

	// Write results to CSV if requested
	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return err
		}
		fmt.Printf("\nResults written to %s\n", csvPath)
	}

	return nil
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if strings.TrimSpace(skip) == test {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"InitialCredits", "MaxCredits", "CreditRequest", "Transport", "Threads",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			strconv.FormatFloat(nsPerOp, 'f', 0, 64),
			time.Duration(nsPerOp).String(),
			strconv.FormatFloat(opsPerSec, 'f', 0, 64),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.Itoa(config.Credits.Initial),
			strconv.Itoa(config.Credits.Max),
			strconv.Itoa(config.Credits.Request),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}

	return nil
}
