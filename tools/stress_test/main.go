// Command stress_test drives signed transfer batches at an Arrow ingress.
//
// Senders are the development accounts a node funds with --dev.seed, so
// the seed and account count must match the node's.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/api"
	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/handlers"
	"github.com/VanDung-dev/HieraChain-TxPool/logger"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string        `json:"address"`
	Concurrency int           `json:"concurrency"`
	BatchSize   int           `json:"batch_size"`
	Duration    time.Duration `json:"duration"`
	AuthToken   string        `json:"-"`
	Seed        string        `json:"seed"`
	Network     uint8         `json:"network"`
	Fee         uint64        `json:"fee"`
	ReportFile  string        `json:"-"`
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64            `json:"total_requests"`
	SuccessfulReqs int64            `json:"successful"`
	FailedReqs     int64            `json:"failed"`
	Accepted       int64            `json:"accepted"`
	Rejected       int64            `json:"rejected"`
	RejectCodes    map[string]int64 `json:"reject_codes"`
	TotalDuration  time.Duration    `json:"-"`
	AvgLatency     time.Duration    `json:"-"`
	MinLatency     time.Duration    `json:"-"`
	MaxLatency     time.Duration    `json:"-"`
	RequestsPerSec float64          `json:"requests_per_sec"`
	TxPerSec       float64          `json:"transactions_per_sec"`
}

type counters struct {
	total, success, failed atomic.Int64
	accepted, rejected     atomic.Int64
	latencySum             atomic.Int64
	minLatency, maxLatency atomic.Int64

	mu    sync.Mutex
	codes map[string]int64
}

func (c *counters) observe(lat time.Duration) {
	l := int64(lat)
	c.latencySum.Add(l)
	for {
		old := c.minLatency.Load()
		if l >= old || c.minLatency.CompareAndSwap(old, l) {
			break
		}
	}
	for {
		old := c.maxLatency.Load()
		if l <= old || c.maxLatency.CompareAndSwap(old, l) {
			break
		}
	}
}

func main() {
	app := &cli.App{
		Name:  "stress_test",
		Usage: "HieraChain Arrow ingress stress test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:50052", Usage: "Arrow server address"},
			&cli.IntFlag{Name: "c", Value: 10, Usage: "Number of concurrent workers, one sender each"},
			&cli.IntFlag{Name: "b", Value: 20, Usage: "Transactions per batch"},
			&cli.DurationFlag{Name: "d", Value: 30 * time.Second, Usage: "Duration of test"},
			&cli.StringFlag{Name: "token", Usage: "Authentication token"},
			&cli.StringFlag{Name: "seed", Value: "hierachain-dev", Usage: "Development account seed"},
			&cli.UintFlag{Name: "network", Value: 1, Usage: "Network byte of generated transactions"},
			&cli.Uint64Flag{Name: "fee", Value: 10_000, Usage: "Fee per transaction"},
			&cli.StringFlag{Name: "o", Usage: "Output report file (JSON)"},
		},
		Action: func(c *cli.Context) error {
			config := StressTestConfig{
				Address:     c.String("addr"),
				Concurrency: c.Int("c"),
				BatchSize:   c.Int("b"),
				Duration:    c.Duration("d"),
				AuthToken:   c.String("token"),
				Seed:        c.String("seed"),
				Network:     uint8(c.Uint("network")),
				Fee:         c.Uint64("fee"),
				ReportFile:  c.String("o"),
			}
			log := logger.Must(logger.DefaultConfig())
			defer log.Sync() //nolint:errcheck

			fmt.Println("=== HieraChain Arrow Ingress Stress Test ===")
			fmt.Printf("Target: %s\n", config.Address)
			fmt.Printf("Concurrency: %d workers x %d tx/batch\n", config.Concurrency, config.BatchSize)
			fmt.Printf("Duration: %v\n", config.Duration)
			fmt.Printf("Auth: %v\n", config.AuthToken != "")
			fmt.Println()

			result := runStressTest(c.Context, config, log)
			printResults(result)
			if config.ReportFile != "" {
				return saveReport(config, result)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStressTest(ctx context.Context, config StressTestConfig, log *zap.Logger) StressTestResult {
	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	c := &counters{codes: make(map[string]int64)}
	c.minLatency.Store(1<<63 - 1)

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, workerID, config, c, log.With(zap.Int("worker", workerID)))
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	result := StressTestResult{
		TotalRequests:  c.total.Load(),
		SuccessfulReqs: c.success.Load(),
		FailedReqs:     c.failed.Load(),
		Accepted:       c.accepted.Load(),
		Rejected:       c.rejected.Load(),
		RejectCodes:    c.codes,
		TotalDuration:  duration,
		MaxLatency:     time.Duration(c.maxLatency.Load()),
	}
	if result.SuccessfulReqs > 0 {
		result.AvgLatency = time.Duration(c.latencySum.Load() / result.SuccessfulReqs)
		result.MinLatency = time.Duration(c.minLatency.Load())
	}
	result.RequestsPerSec = float64(result.TotalRequests) / duration.Seconds()
	result.TxPerSec = float64(result.Accepted) / duration.Seconds()
	return result
}

// runWorker signs consecutive nonces for one sender and submits them in
// batches over a single connection.
func runWorker(ctx context.Context, id int, config StressTestConfig, c *counters, log *zap.Logger) {
	key := codec.DevKey(config.Seed, uint32(id))
	nonce := uint64(1)

	var client *api.ArrowClient
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	for ctx.Err() == nil {
		if client == nil {
			var err error
			client, err = api.DialArrow(ctx, config.Address, config.AuthToken)
			if err != nil {
				c.total.Add(1)
				c.failed.Add(1)
				log.Debug("dial failed", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		batch, err := signBatch(key, config, nonce)
		if err != nil {
			log.Error("signing failed", zap.Error(err))
			return
		}

		start := time.Now()
		results, err := client.SubmitBatch(batch)
		c.total.Add(1)
		if err != nil {
			c.failed.Add(1)
			log.Debug("batch failed", zap.Error(err))
			_ = client.Close()
			client = nil
			time.Sleep(10 * time.Millisecond)
			continue
		}
		c.success.Add(1)
		c.observe(time.Since(start))

		for _, r := range results {
			switch r.Status {
			case "accepted", "duplicate":
				c.accepted.Add(1)
			default:
				c.rejected.Add(1)
				c.mu.Lock()
				c.codes[r.Code]++
				c.mu.Unlock()
			}
		}
		nonce += uint64(len(batch))
	}
}

func signBatch(key *secp256k1.PrivateKey, config StressTestConfig, first uint64) ([][]byte, error) {
	payload, err := handlers.EncodeTransfer(strings.Repeat("ab", 20), 1)
	if err != nil {
		return nil, err
	}
	batch := make([][]byte, config.BatchSize)
	for i := range batch {
		batch[i], err = codec.Sign(codec.Unsigned{
			Network:   config.Network,
			TypeGroup: handlers.TransferKind.TypeGroup,
			Type:      handlers.TransferKind.Type,
			Nonce:     first + uint64(i),
			Fee:       config.Fee,
			Payload:   payload,
		}, key)
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Accepted tx:     %d (%.2f/s)\n", result.Accepted, result.TxPerSec)
	fmt.Printf("Rejected tx:     %d\n", result.Rejected)
	codes := make([]string, 0, len(result.RejectCodes))
	for code := range result.RejectCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("  %-22s %d\n", code, result.RejectCodes[code])
	}
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) error {
	report := struct {
		Config       StressTestConfig `json:"config"`
		Results      StressTestResult `json:"results"`
		AvgLatencyMs float64          `json:"avg_latency_ms"`
		MinLatencyMs float64          `json:"min_latency_ms"`
		MaxLatencyMs float64          `json:"max_latency_ms"`
		Timestamp    string           `json:"timestamp"`
	}{
		Config:       config,
		Results:      result,
		AvgLatencyMs: float64(result.AvgLatency.Microseconds()) / 1000,
		MinLatencyMs: float64(result.MinLatency.Microseconds()) / 1000,
		MaxLatencyMs: float64(result.MaxLatency.Microseconds()) / 1000,
		Timestamp:    time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(&report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(config.ReportFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report saved to: %s\n", config.ReportFile)
	return nil
}
