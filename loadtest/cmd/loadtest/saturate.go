package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roomchat/chat-app/loadtest/client"
	"github.com/roomchat/chat-app/loadtest/stats"
)

// pool holds the connections opened by a saturate run.
type pool struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (p *pool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

// alive counts connections whose read loop is still running.
func (p *pool) alive() (alive, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive, len(p.clients)
}

func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}

// runSaturate opens idle connections to the gateway, ramping up over a
// configurable duration, then holds them open while counting drops. Clients
// never join a room, so this measures the upgrade path and the per-IP
// connect limit in isolation.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	metricsURL := fs.String("metrics-url", "", "Gateway Prometheus endpoint, empty to skip scraping")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	p := &pool{}
	defer p.closeAll()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	rampUp(ctx, p, collector, *url, *connections, *ramp, *concurrency)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdOpen(ctx, p, *hold)
	}

	collector.Report()
}

// rampUp launches n connection attempts spread evenly over ramp, with at most
// concurrency attempts in flight.
func rampUp(ctx context.Context, p *pool, collector *stats.Collector, url string, n int, ramp time.Duration, concurrency int) {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progress := time.NewTicker(time.Second)
	defer progress.Stop()
	launch := time.NewTicker(interval)
	defer launch.Stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	last, lastAt := 0, time.Now()
	for launched := 0; launched < n; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			return
		case now := <-progress.C:
			conns := collector.ConnectionCount()
			rate := float64(conns-last) / now.Sub(lastAt).Seconds()
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
				conns, n, collector.ErrorCount(), rate)
			last, lastAt = conns, now
		case <-launch.C:
			launched++
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if c := dialIdle(ctx, url, collector); c != nil {
					p.add(c)
				}
			}()
		}
	}
}

func dialIdle(ctx context.Context, url string, collector *stats.Collector) *client.Client {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(ctx, url)
	if err != nil {
		collector.AddError()
		return nil
	}
	if err := c.WaitForSession(ctx); err != nil {
		collector.AddError()
		c.Close()
		return nil
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c
}

// holdOpen keeps the pool open for d, reporting drops every five seconds.
func holdOpen(ctx context.Context, p *pool, d time.Duration) {
	_, initial := p.alive()
	fmt.Printf("Holding %d connections for %s...\n", initial, d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			alive, total := p.alive()
			fmt.Printf("\nHold period complete: %d/%d alive, %d dropped.\n", alive, total, total-alive)
			return
		case <-status.C:
			alive, total := p.alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
		}
	}
}
