package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/roomchat/chat-app/loadtest/client"
	"github.com/roomchat/chat-app/loadtest/stats"
)

// contentPrefix marks messages produced by this run. The send time in unix
// nanoseconds follows it so receivers can compute delivery latency.
const contentPrefix = "lt:"

// member is one joined consumer of a room.
type member struct {
	c      *client.Client
	roomID string
	name   string
}

// runRooms creates rooms through the gateway, joins members into each one and
// has every member send a fixed number of messages. Each message should reach
// every member of its room, so the expected delivery count is
// rooms * members * members * messages.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Gateway Prometheus endpoint")
	rooms := fs.Int("rooms", 10, "Number of rooms")
	members := fs.Int("members", 5, "Members per room")
	messages := fs.Int("messages", 5, "Messages sent by each member")
	interval := fs.Duration("interval", 2*time.Second, "Delay between sends of one member")
	drain := fs.Duration("drain", 15*time.Second, "Maximum wait for outstanding deliveries")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Metrics scrape interval")
	fs.Parse(args)

	fmt.Printf("Rooms test: %d rooms x %d members x %d messages against %s\n",
		*rooms, *members, *messages, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	runID := strconv.FormatInt(time.Now().Unix(), 36)

	fmt.Println("\n--- Setup phase ---")
	var (
		mu     sync.Mutex
		joined []*member
		wg     sync.WaitGroup
	)
	for i := 0; i < *rooms; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ms, err := setupRoom(ctx, *url, fmt.Sprintf("lt-%s-%d", runID, i), *members, collector)
			if err != nil {
				fmt.Printf("  room %d: %v\n", i, err)
				collector.AddError()
			}
			mu.Lock()
			joined = append(joined, ms...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	fmt.Printf("Joined %d members (%d errors)\n", len(joined), collector.ErrorCount())

	defer func() {
		for _, m := range joined {
			m.c.Close()
		}
	}()

	if ctx.Err() != nil || len(joined) == 0 {
		collector.Report()
		return
	}

	fmt.Println("\n--- Send phase ---")
	for _, m := range joined {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for n := 0; n < *messages; n++ {
				content := contentPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + m.name
				if err := m.c.SendText(m.roomID, content); err != nil {
					collector.AddError()
					return
				}
				collector.AddSend()
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}(m)
	}
	wg.Wait()

	fmt.Println("\n--- Drain phase ---")
	expected := 0
	perRoom := make(map[string]int)
	for _, m := range joined {
		perRoom[m.roomID]++
	}
	for _, n := range perRoom {
		expected += n * n * *messages
	}

	deadline := time.NewTimer(*drain)
	defer deadline.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
drainLoop:
	for collector.DeliveryCount() < expected {
		select {
		case <-poll.C:
		case <-deadline.C:
			fmt.Println("Drain timeout reached.")
			break drainLoop
		case <-ctx.Done():
			break drainLoop
		}
	}
	fmt.Printf("Deliveries: %d/%d\n", collector.DeliveryCount(), expected)

	collector.Report()
}

// setupRoom creates one room and joins size members into it. Members that
// joined are returned even when a later one fails.
func setupRoom(ctx context.Context, url, name string, size int, collector *stats.Collector) ([]*member, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	var ms []*member
	var roomID string
	for j := 0; j < size; j++ {
		userName := fmt.Sprintf("%s-u%d", name, j)
		c, err := connect(setupCtx, url, collector)
		if err != nil {
			return ms, err
		}

		if roomID == "" {
			roomID, err = createRoom(setupCtx, c, name, userName)
			if err != nil {
				c.Close()
				return ms, err
			}
		}

		if err := join(setupCtx, c, roomID, userName, collector); err != nil {
			c.Close()
			return ms, err
		}
		ms = append(ms, &member{c: c, roomID: roomID, name: userName})
	}
	return ms, nil
}

func connect(ctx context.Context, url string, collector *stats.Collector) (*client.Client, error) {
	c, err := client.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	c.On(client.TypeMessage, func(data json.RawMessage) {
		var msg struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		if sent, ok := sentAt(msg.Message.Content); ok {
			collector.AddDelivery(time.Since(sent))
		}
	})
	c.On(client.TypeRateLimited, func(json.RawMessage) {
		collector.AddRateLimited()
	})
	return c, nil
}

func createRoom(ctx context.Context, c *client.Client, name, userName string) (string, error) {
	created := make(chan string, 1)
	failed := make(chan string, 1)
	c.On(client.TypeRoomCreated, func(data json.RawMessage) {
		var msg struct {
			Room struct {
				ID string `json:"id"`
			} `json:"room"`
		}
		if json.Unmarshal(data, &msg) == nil {
			select {
			case created <- msg.Room.ID:
			default:
			}
		}
	})
	c.On(client.TypeError, func(data json.RawMessage) {
		select {
		case failed <- string(data):
		default:
		}
	})

	if err := c.CreateRoom(name, userName); err != nil {
		return "", err
	}
	select {
	case id := <-created:
		return id, nil
	case msg := <-failed:
		return "", fmt.Errorf("create room: %s", msg)
	case <-ctx.Done():
		return "", fmt.Errorf("create room: %w", ctx.Err())
	}
}

func join(ctx context.Context, c *client.Client, roomID, userName string, collector *stats.Collector) error {
	joined := make(chan struct{}, 1)
	failed := make(chan string, 1)
	c.On(client.TypeJoined, func(json.RawMessage) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	c.On(client.TypeError, func(data json.RawMessage) {
		select {
		case failed <- string(data):
		default:
		}
	})

	if err := c.Join(roomID, userName, ""); err != nil {
		return err
	}
	select {
	case <-joined:
		collector.AddJoin()
		return nil
	case msg := <-failed:
		return fmt.Errorf("join %s: %s", roomID, msg)
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", roomID, ctx.Err())
	}
}

// sentAt extracts the send time embedded by the rooms scenario.
func sentAt(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, contentPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, _ := strings.Cut(rest, ":")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
