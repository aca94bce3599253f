// Benchmark tool for driving concurrent transfers through Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -senders 20 -burst 10
//
// This tool:
//  1. Onboards the sender and recipient accounts through the API
//  2. Fires a burst of simultaneous transfers from every sender
//  3. Checks that each sender got at most one transfer past the timing window
//  4. Reports latency, throughput and the status code mix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// timingReason is the violation text that marks the minimum interval rule.
const timingReason = "timing window"

type createAccountRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
}

type account struct {
	ID string `json:"id"`
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type transferResponse struct {
	TransferID string   `json:"transferId"`
	IsFlagged  bool     `json:"isFlagged"`
	Violations []string `json:"violations"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalSent       int64
	Clean           int64
	Flagged         int64
	TimingViolation int64
	Contention      int64 // 409 from the sender gate
	TotalErrors     int64

	ProcessingTimeMs int64

	mu      sync.Mutex
	passed  map[string]int // sender -> transfers without a timing violation
	latency []time.Duration
	status  map[int]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		passed: make(map[string]int),
		status: make(map[int]int64),
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	senders := flag.Int("senders", 10, "Number of sender accounts")
	burst := flag.Int("burst", 5, "Simultaneous transfers per sender")
	amount := flag.String("amount", "10.00", "Amount of every transfer")
	verbose := flag.Bool("verbose", false, "Print each transfer result")
	flag.Parse()

	if *senders <= 0 || *burst <= 0 {
		fmt.Println("Usage: benchmark [-url http://localhost:8080] [-senders 10] [-burst 5]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - concurrent same-sender transfers")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Senders:     %d\n", *senders)
	fmt.Printf("Burst:       %d\n", *burst)
	fmt.Printf("Amount:      %s\n", *amount)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	run := uuid.New().String()[:8]
	recipient, err := onboard(client, *baseURL, "recipient-"+run)
	if err != nil {
		fmt.Printf("ERROR: failed to create recipient: %v\n", err)
		os.Exit(1)
	}

	senderIDs := make([]string, *senders)
	for i := range senderIDs {
		id, err := onboard(client, *baseURL, fmt.Sprintf("sender-%s-%d", run, i))
		if err != nil {
			fmt.Printf("ERROR: failed to create sender %d: %v\n", i, err)
			os.Exit(1)
		}
		senderIDs[i] = id
	}
	fmt.Printf("Onboarded %d accounts\n", *senders+1)

	start := time.Now()
	metrics := runBenchmark(client, *baseURL, senderIDs, recipient, *burst, *amount, *verbose)
	duration := time.Since(start)

	printResults(metrics, duration)

	if violations := checkWindow(metrics); len(violations) > 0 {
		fmt.Println("\nTIMING WINDOW BROKEN")
		for _, v := range violations {
			fmt.Println("   " + v)
		}
		os.Exit(2)
	}
	fmt.Println("\nTiming window held for every sender")
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func onboard(client *http.Client, baseURL, name string) (string, error) {
	body, err := json.Marshal(createAccountRequest{
		Email:     name + "@bench.kestrel.local",
		FirstName: name,
	})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(baseURL+"/accounts", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var acc account
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		return "", err
	}
	return acc.ID, nil
}

func runBenchmark(client *http.Client, baseURL string, senders []string, recipient string, burst int, amount string, verbose bool) *Metrics {
	metrics := newMetrics()

	var ready, wg sync.WaitGroup
	ready.Add(1)

	for _, sender := range senders {
		for i := 0; i < burst; i++ {
			wg.Add(1)
			go func(sender string) {
				defer wg.Done()
				ready.Wait()

				start := time.Now()
				status, result, err := submitTransfer(client, baseURL, sender, recipient, amount)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed.Milliseconds())
				atomic.AddInt64(&metrics.TotalSent, 1)

				metrics.mu.Lock()
				metrics.latency = append(metrics.latency, elapsed)
				metrics.status[status]++
				metrics.mu.Unlock()

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", sender, err)
					}
					return
				case status == http.StatusConflict:
					atomic.AddInt64(&metrics.Contention, 1)
					return
				case status != http.StatusOK:
					atomic.AddInt64(&metrics.TotalErrors, 1)
					return
				}

				if result.IsFlagged {
					atomic.AddInt64(&metrics.Flagged, 1)
				} else {
					atomic.AddInt64(&metrics.Clean, 1)
				}

				timed := hasTimingViolation(result.Violations)
				if timed {
					atomic.AddInt64(&metrics.TimingViolation, 1)
				} else {
					metrics.mu.Lock()
					metrics.passed[sender]++
					metrics.mu.Unlock()
				}

				if verbose {
					fmt.Printf("%s | %-8s | flagged: %-5v | timing: %-5v | %v\n",
						result.TransferID[:8], sender[:8], result.IsFlagged, timed, elapsed.Round(time.Millisecond))
				}
			}(sender)
		}
	}

	ready.Done()
	wg.Wait()

	return metrics
}

func submitTransfer(client *http.Client, baseURL, sender, recipient, amount string) (int, *transferResponse, error) {
	body, err := json.Marshal(transferRequest{Recipient: recipient, Amount: amount})
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", sender)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	var result transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, &result, nil
}

func hasTimingViolation(violations []string) bool {
	for _, v := range violations {
		if strings.Contains(v, timingReason) {
			return true
		}
	}
	return false
}

// checkWindow lists senders that got more than one transfer past the
// minimum interval within a single burst.
func checkWindow(m *Metrics) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for sender, n := range m.passed {
		if n > 1 {
			out = append(out, fmt.Sprintf("%s: %d transfers passed the timing window", sender, n))
		}
	}
	sort.Strings(out)
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nTRANSFERS\n")
	fmt.Printf("   Total Sent:        %d\n", m.TotalSent)
	fmt.Printf("   Clean:             %d\n", m.Clean)
	fmt.Printf("   Flagged:           %d\n", m.Flagged)
	fmt.Printf("   Timing Violations: %d\n", m.TimingViolation)
	fmt.Printf("   Gate Contention:   %d\n", m.Contention)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	m.mu.Lock()
	codes := make([]int, 0, len(m.status))
	for code := range m.status {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("\nSTATUS CODES\n")
	for _, code := range codes {
		fmt.Printf("   %d: %d\n", code, m.status[code])
	}

	latency := append([]time.Duration(nil), m.latency...)
	m.mu.Unlock()
	sort.Slice(latency, func(i, j int) bool { return latency[i] < latency[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalSent > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalSent)
		tps := float64(m.TotalSent) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   p50 Latency:      %v\n", percentile(latency, 0.50).Round(time.Millisecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(latency, 0.99).Round(time.Millisecond))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}
