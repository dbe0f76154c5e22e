// loadgen drives the verification endpoint with synthetic clients to
// exercise rate limiting and anomaly detection against a running instance.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"
)

func main() {
	target := flag.String("target", "http://localhost:8080", "Base URL of the decision API")
	concurrency := flag.Int("c", 10, "Concurrency level (number of goroutines)")
	requests := flag.Int("n", 100, "Total number of requests")
	ips := flag.Int("ips", 10, "Number of distinct synthetic client IPs")
	flag.Parse()

	fmt.Printf("Starting load run: target=%s, c=%d, n=%d, ips=%d\n", *target, *concurrency, *requests, *ips)

	results := make(chan string, *requests)
	var wg sync.WaitGroup

	reqPerRoutine := *requests / *concurrency
	startTime := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			for j := 0; j < reqPerRoutine; j++ {
				ip := fmt.Sprintf("10.0.%d.%d", worker%*ips, j%250)
				payload, _ := json.Marshal(map[string]string{
					"clientIP":  ip,
					"userAgent": "loadgen/1.0",
				})

				resp, err := client.Post(*target+"/api/verify", "application/json", bytes.NewReader(payload))
				if err != nil {
					results <- "connection_error"
					continue
				}
				var decision struct {
					VerificationType string `json:"verification_type"`
				}
				json.NewDecoder(resp.Body).Decode(&decision)
				resp.Body.Close()

				if decision.VerificationType == "" {
					results <- fmt.Sprintf("http_%d", resp.StatusCode)
				} else {
					results <- decision.VerificationType
				}
			}
		}(i)
	}

	wg.Wait()
	close(results)

	duration := time.Since(startTime)

	stats := make(map[string]int)
	total := 0
	for outcome := range results {
		stats[outcome]++
		total++
	}

	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Total Requests: %d\n", total)
	fmt.Printf("Time Taken:     %v\n", duration)
	fmt.Printf("Requests/sec:   %.2f\n", float64(total)/duration.Seconds())
	fmt.Printf("\nDecisions:\n")
	for outcome, count := range stats {
		fmt.Printf("  %s: %d\n", outcome, count)
	}
}
