// Benchmark tool for load testing a running Kestrel API.
//
// Usage:
//
//	go run ./cmd/benchmark -input out/enriched_cases.jsonl -url http://localhost:8080
//
// This tool:
//  1. Reads enriched cases (and optionally ground truth labels)
//  2. Posts each case to POST /decide with a pool of workers
//  3. Compares the returned decision with the label when one exists
//  4. Reports throughput, latency percentiles and label agreement
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Labelled       int64
	Agreed         int64

	mu        sync.Mutex
	latencies []time.Duration
	decisions map[string]int
}

func (m *Metrics) observe(elapsed time.Duration, decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, elapsed)
	if decision != "" {
		m.decisions[decision]++
	}
}

func (m *Metrics) percentile(p float64) time.Duration {
	if len(m.latencies) == 0 {
		return 0
	}
	i := int(p * float64(len(m.latencies)-1))
	return m.latencies[i]
}

type job struct {
	caseID string
	body   json.RawMessage
}

func main() {
	input := flag.String("input", "out/enriched_cases.jsonl", "Enriched cases JSONL")
	truthPath := flag.String("truth", "", "Optional ground truth JSONL")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum cases to send (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	repeat := flag.Int("repeat", 1, "Send the case set this many times")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - POST /decide")
	fmt.Printf("\nInput:    %s\n", *input)
	fmt.Printf("URL:      %s\n", *baseURL)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("Repeat:   %d\n", *repeat)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	raws, err := pipeline.LoadEnriched(*input)
	if err != nil {
		fmt.Printf("ERROR: Failed to read cases: %v\n", err)
		os.Exit(1)
	}
	if *limit > 0 && len(raws) > *limit {
		raws = raws[:*limit]
	}

	var truth map[string]string
	if *truthPath != "" {
		truth, err = pipeline.LoadGroundTruth(*truthPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read ground truth: %v\n", err)
			os.Exit(1)
		}
	}

	jobs := make([]job, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			CaseID string `json:"case_id"`
		}
		_ = json.Unmarshal(raw, &head)
		jobs = append(jobs, job{caseID: head.CaseID, body: raw})
	}
	fmt.Printf("✓ Loaded %d cases (%d labels)\n", len(jobs), len(truth))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(jobs, truth, *baseURL, *workers, *repeat, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

func runBenchmark(jobs []job, truth map[string]string, baseURL string, numWorkers, repeat int, verbose bool) *Metrics {
	metrics := &Metrics{decisions: make(map[string]int)}

	work := make(chan job, 100)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for j := range work {
				start := time.Now()
				decision, err := decide(client, baseURL, j.body)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					metrics.observe(elapsed, "")
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", j.caseID, err)
					}
					continue
				}
				metrics.observe(elapsed, decision)

				want, labelled := truth[j.caseID]
				if labelled {
					atomic.AddInt64(&metrics.Labelled, 1)
					if want == decision {
						atomic.AddInt64(&metrics.Agreed, 1)
					}
				}

				if verbose {
					status := " "
					if labelled {
						status = "✓"
						if want != decision {
							status = "✗"
						}
					}
					fmt.Printf("%s %-40s | %-16s | %6.1f ms\n", status, j.caseID, decision, float64(elapsed.Microseconds())/1000)
				}
			}
		}()
	}

	for range repeat {
		for _, j := range jobs {
			work <- j
		}
	}
	close(work)
	wg.Wait()

	sort.Slice(metrics.latencies, func(i, j int) bool { return metrics.latencies[i] < metrics.latencies[j] })
	return metrics
}

func decide(client *http.Client, baseURL string, body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var result api.DecideResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Decision == nil {
		return "", fmt.Errorf("response has no decision")
	}
	return result.Decision.Decision, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nDECISIONS\n")
	labels := make([]string, 0, len(m.decisions))
	for label := range m.decisions {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Printf("   %-16s %d\n", label, m.decisions[label])
	}

	if m.Labelled > 0 {
		fmt.Printf("\nAGREEMENT\n")
		fmt.Printf("   Labelled:   %d\n", m.Labelled)
		fmt.Printf("   Agreed:     %d (%.2f%%)\n", m.Agreed, 100*float64(m.Agreed)/float64(m.Labelled))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   p50 Latency:      %v\n", m.percentile(0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", m.percentile(0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", m.percentile(0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f cases/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
