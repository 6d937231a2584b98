// Benchmark tool for load testing riskscore against a customer dataset.
//
// Usage:
//
//	go run ./cmd/riskbench -csv /path/to/customers.csv -url http://localhost:8080
//	go run ./cmd/riskbench -generate 5000 -workers 20
//
// This tool:
//  1. Reads customer profiles (name, age, income, activity_score) or generates them
//  2. Registers each profile via POST /customers
//  3. Scores it via POST /risk/score
//  4. Reports latency percentiles, throughput and the score distribution
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Profile is a row from the customer dataset.
type Profile struct {
	Name          string  `json:"name"`
	Age           int     `json:"age"`
	Income        float64 `json:"income"`
	ActivityScore int     `json:"activity_score"`
}

type customerResponse struct {
	ID string `json:"id"`
}

type scoreRequest struct {
	CustomerID string  `json:"customer_id"`
	Age        int     `json:"age"`
	Income     float64 `json:"income"`
	Activity   int     `json:"activity_score"`
}

type scoreResponse struct {
	ID          string  `json:"id"`
	Score       float64 `json:"final_score"`
	Explanation string  `json:"explanation"`
}

// Results tracks benchmark results.
type Results struct {
	mu        sync.Mutex
	latencies []time.Duration
	bands     [5]int64 // 0-20, 20-40, 40-60, 60-80, 80-100

	Processed int64
	Errors    int64
	MinScore  float64
	MaxScore  float64
	SumScore  float64
}

func (r *Results) record(elapsed time.Duration, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencies = append(r.latencies, elapsed)
	if len(r.latencies) == 1 || score < r.MinScore {
		r.MinScore = score
	}
	if len(r.latencies) == 1 || score > r.MaxScore {
		r.MaxScore = score
	}
	r.SumScore += score

	band := int(score / 20)
	if band > 4 {
		band = 4
	}
	if band < 0 {
		band = 0
	}
	r.bands[band]++
}

func main() {
	csvPath := flag.String("csv", "", "Path to customer CSV file (name,age,income,activity_score)")
	generate := flag.Int("generate", 0, "Generate N random profiles instead of reading a CSV")
	baseURL := flag.String("url", "http://localhost:8080", "riskscore base URL")
	limit := flag.Int("limit", 10000, "Maximum profiles to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Uint64("seed", 1, "Seed for generated profiles")
	verbose := flag.Bool("verbose", false, "Print each score")
	flag.Parse()

	if *csvPath == "" && *generate <= 0 {
		fmt.Println("Usage: riskbench -csv /path/to/customers.csv | -generate N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("RISKSCORE BENCHMARK")
	fmt.Printf("\nriskscore URL: %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Limit:         %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: riskscore not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure riskscore is running:")
		fmt.Println("  go run ./cmd/riskscore")
		os.Exit(1)
	}
	fmt.Println("riskscore is healthy")

	var profiles []Profile
	if *csvPath != "" {
		var err error
		profiles, err = readProfiles(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		profiles = generateProfiles(*generate, *seed)
	}
	fmt.Printf("Loaded %d profiles\n", len(profiles))
	if len(profiles) == 0 {
		os.Exit(0)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	results := runBenchmark(profiles, *baseURL, *workers, *verbose)
	printResults(results, time.Since(start))
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

func readProfiles(path string, limit int) ([]Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"age", "income", "activity_score"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var profiles []Profile
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		age, err1 := strconv.Atoi(record[colIndex["age"]])
		income, err2 := strconv.ParseFloat(record[colIndex["income"]], 64)
		activity, err3 := strconv.Atoi(record[colIndex["activity_score"]])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		name := fmt.Sprintf("customer-%d", len(profiles)+1)
		if i, ok := colIndex["name"]; ok && record[i] != "" {
			name = record[i]
		}

		profiles = append(profiles, Profile{Name: name, Age: age, Income: income, ActivityScore: activity})
		if limit > 0 && len(profiles) >= limit {
			break
		}
	}

	return profiles, nil
}

func generateProfiles(n int, seed uint64) []Profile {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	profiles := make([]Profile, n)
	for i := range profiles {
		profiles[i] = Profile{
			Name:          fmt.Sprintf("generated-%d", i+1),
			Age:           18 + rng.IntN(70),
			Income:        float64(rng.IntN(200000)),
			ActivityScore: rng.IntN(101),
		}
	}
	return profiles
}

func runBenchmark(profiles []Profile, baseURL string, numWorkers int, verbose bool) *Results {
	results := &Results{latencies: make([]time.Duration, 0, len(profiles))}

	work := make(chan Profile, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for p := range work {
				atomic.AddInt64(&results.Processed, 1)

				start := time.Now()
				score, err := scoreProfile(client, baseURL, p)
				elapsed := time.Since(start)

				if err != nil {
					atomic.AddInt64(&results.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", p.Name, err)
					}
					continue
				}
				results.record(elapsed, score.Score)

				if verbose {
					fmt.Printf("%-20s | age %3d | income %10.2f | activity %3d | score %6.2f\n",
						p.Name, p.Age, p.Income, p.ActivityScore, score.Score)
				}
			}
		}()
	}

	for _, p := range profiles {
		work <- p
	}
	close(work)
	wg.Wait()

	return results
}

func scoreProfile(client *http.Client, baseURL string, p Profile) (*scoreResponse, error) {
	var customer customerResponse
	if err := postJSON(client, baseURL+"/customers", p, http.StatusCreated, &customer); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	req := scoreRequest{
		CustomerID: customer.ID,
		Age:        p.Age,
		Income:     p.Income,
		Activity:   p.ActivityScore,
	}
	var score scoreResponse
	if err := postJSON(client, baseURL+"/risk/score", req, http.StatusOK, &score); err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	return &score, nil
}

func postJSON(client *http.Client, url string, body any, want int, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	scored := int64(len(r.latencies))
	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Processed:  %d\n", r.Processed)
	fmt.Printf("   Scored:     %d\n", scored)
	fmt.Printf("   Errors:     %d\n", r.Errors)

	if scored > 0 {
		fmt.Printf("\nSCORES\n")
		fmt.Printf("   Min:   %.2f\n", r.MinScore)
		fmt.Printf("   Max:   %.2f\n", r.MaxScore)
		fmt.Printf("   Mean:  %.2f\n", r.SumScore/float64(scored))
		labels := []string{"0-20", "20-40", "40-60", "60-80", "80-100"}
		for i, n := range r.bands {
			fmt.Printf("   %-7s %8d (%.2f%%)\n", labels[i], n, 100*float64(n)/float64(scored))
		}
	}

	slices.Sort(r.latencies)
	fmt.Printf("\nPERFORMANCE (create + score)\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if scored > 0 {
		fmt.Printf("   p50 Latency:     %v\n", percentile(r.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:     %v\n", percentile(r.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:     %v\n", percentile(r.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:      %.2f scores/sec\n", float64(scored)/duration.Seconds())
	}
	fmt.Println()
}
