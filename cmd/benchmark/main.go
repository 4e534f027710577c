package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests  uint64
	successOK      uint64 // envelope success=true
	conflicts      uint64 // UPDATE_FAILED (retryable contention)
	bizFailures    uint64 // other envelope failures (e.g. INSUFFICIENT_BALANCE)
	transportFails uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

type benchEnvelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		account := pickAccount()

		// Alternate credits and consumes so wallets neither drain nor grow
		// without bound over a long run.
		endpoint := "/v1/tokens/credit"
		amount := int64(100)
		if rand.Float32() < 0.5 {
			endpoint = "/v1/tokens/consume"
			amount = 50
		}

		key := fmt.Sprintf("bench-%d-%s-%d", id, account, time.Now().UnixNano())

		payload := map[string]interface{}{
			"account_id": account,
			"amount":     amount,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+endpoint, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&transportFails, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		var env benchEnvelope
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&env) != nil {
			atomic.AddUint64(&transportFails, 1)
		} else if env.Success {
			atomic.AddUint64(&successOK, 1)
		} else if env.Error != nil && env.Error.Code == "UPDATE_FAILED" {
			atomic.AddUint64(&conflicts, 1)
		} else {
			atomic.AddUint64(&bizFailures, 1)
		}
		resp.Body.Close()
	}
}

func pickAccount() string {
	// Assumes wallets seeded by cmd/seeder (bench-account-0000..0999)
	totalAccounts := 1000

	if workload == "hotspot" {
		// Hotspot: 90% of traffic hammers two wallets
		if rand.Float32() < 0.90 {
			return fmt.Sprintf("bench-account-%04d", rand.Intn(2))
		}
	}

	return fmt.Sprintf("bench-account-%04d", rand.Intn(totalAccounts))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&successOK)
	rep := atomic.LoadUint64(&conflicts)
	biz := atomic.LoadUint64(&bizFailures)
	fErr := atomic.LoadUint64(&transportFails)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success":           ok,
		"conflicts":         rep,
		"business_failures": biz,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
