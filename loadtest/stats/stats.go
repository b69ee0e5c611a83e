// Package stats aggregates load test measurements from many clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	deliveryLatencies []time.Duration
	connections       int
	joins             int
	sends             int
	deliveries        int
	rateLimited       int
	errors            int
	startTime         time.Time
	scraper           *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddJoin records a confirmed room join.
func (c *Collector) AddJoin() {
	c.mu.Lock()
	c.joins++
	c.mu.Unlock()
}

// AddSend records a message handed to the server.
func (c *Collector) AddSend() {
	c.mu.Lock()
	c.sends++
	c.mu.Unlock()
}

// AddDelivery records one consumer receiving a message d after it was sent.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatencies = append(c.deliveryLatencies, d)
	c.deliveries++
	c.mu.Unlock()
}

// AddRateLimited records a rate_limited reply.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryCount returns the number of recorded deliveries.
func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:   %d\n", c.connections)
	fmt.Printf("Joins:         %d\n", c.joins)
	fmt.Printf("Sends:         %d\n", c.sends)
	fmt.Printf("Deliveries:    %d\n", c.deliveries)
	fmt.Printf("Rate limited:  %d\n", c.rateLimited)
	fmt.Printf("Errors:        %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:    %.2f%%\n", errorRate)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}

	if len(c.deliveryLatencies) > 0 {
		fmt.Println("\n--- Send-to-Delivery Latency ---")
		printPercentiles(c.deliveryLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts durations and prints avg, p50, p95, p99 and max.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
