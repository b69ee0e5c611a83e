package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tracked lists the gateway series shown in the report, in display order.
var tracked = []struct {
	label  string
	metric string
}{
	{"Connections", "roomchat_connections_total"},
	{"Active Rooms", "roomchat_active_rooms"},
	{"Consumers", "roomchat_consumers"},
	{"Messages", "roomchat_messages_total"},
	{"Fetches", "roomchat_fetches_total"},
	{"Mode Changes", "roomchat_mode_transitions_total"},
	{"Slow Consumers", "roomchat_slow_consumers_total"},
}

const fetchLatency = "roomchat_fetch_latency_seconds"

// sample is one scrape: metric name to value, with labelled series summed.
type sample struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the gateway's Prometheus endpoint during a run so the report
// can show server-side movement next to client measurements.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a Scraper for url that samples every interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start samples once immediately, then every interval until ctx is done or
// Stop is called. A last sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scrape()
			case <-ctx.Done():
				s.scrape()
				return
			}
		}
	}()
}

// Stop ends sampling and waits for the final scrape.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) scrape() {
	resp, err := s.http.Get(s.url)
	if err != nil {
		// The gateway may not be up yet.
		return
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition reads Prometheus text format and sums every series of the
// same metric name.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, v, ok := parseMetricLine(sc.Text())
		if ok {
			values[name] += v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// name and the value. Comments and malformed lines report false.
func parseMetricLine(line string) (string, float64, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", 0, false
	}

	name, rest := line, ""
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.LastIndexByte(line, '}')
		if end < open {
			return "", 0, false
		}
		name, rest = line[:open], line[end+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints first, last, delta and peak of each tracked series plus the
// average fetch latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Samples: %d over %s\n\n", len(samples), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, t := range tracked {
		a, b := first.values[t.metric], last.values[t.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", t.label, a, b, b-a, peak(samples, t.metric))
	}

	sum := last.values[fetchLatency+"_sum"] - first.values[fetchLatency+"_sum"]
	count := last.values[fetchLatency+"_count"] - first.values[fetchLatency+"_count"]
	fmt.Println()
	if count > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Fetch Latency", sum/count, count)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Fetch Latency")
	}
}

func peak(samples []sample, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range samples {
		p = math.Max(p, s.values[metric])
	}
	return p
}
