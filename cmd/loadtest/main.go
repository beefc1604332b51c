// loadtest drives N simulated chat clients against a running devserver and
// measures send-to-broadcast latency through the relay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/transport"
)

func main() {
	clients := flag.Int("clients", 10, "number of simulated clients")
	rate := flag.Duration("rate", time.Second, "delay between sends per client")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	room := flag.String("room", "", "room id, empty for the general scope")
	flag.Parse()

	natsURL := os.Getenv("NATS_URL")

	scope := protocol.General()
	if *room != "" {
		scope = protocol.RoomScope(*room)
	}

	collector := newCollector()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runClient(ctx, n, natsURL, scope, *rate, collector)
		}(i)
	}
	wg.Wait()
	collector.report()
}

// runClient joins the scope, publishes sends at the configured rate, and
// records the latency until its own content comes back on the broadcast
// channel.
func runClient(ctx context.Context, n int, natsURL string, scope protocol.Scope, rate time.Duration, c *collector) {
	selfID := fmt.Sprintf("load-%d-%s", n, uuid.NewString()[:8])

	conf := transport.DefaultConfig()
	conf.Name = selfID
	if natsURL != "" {
		conf.URL = natsURL
	}
	session := transport.NewSession(conf)

	start := time.Now()
	if err := session.Connect(); err != nil {
		log.Printf("[load] client %d connect: %v", n, err)
		c.addError()
		return
	}
	c.addConnect(time.Since(start))
	defer session.Disconnect("", nil)

	// Track in-flight sends by content; the relay replaces IDs so content is
	// the only stable correlation key.
	var mu sync.Mutex
	inflight := make(map[string]time.Time)

	err := session.Subscribe(scope.Subject(protocol.ChannelMessages), func(data []byte) {
		now := time.Now()
		var ev protocol.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.SenderID != selfID {
			return
		}
		mu.Lock()
		sent, ok := inflight[ev.Content]
		if ok {
			delete(inflight, ev.Content)
		}
		mu.Unlock()
		if ok {
			c.addLatency(now.Sub(sent))
		}
	})
	if err != nil {
		log.Printf("[load] client %d subscribe: %v", n, err)
		c.addError()
		return
	}

	seq := 0
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			content := fmt.Sprintf("%s #%d", selfID, seq)
			ev := protocol.MessageEvent{
				Kind:     protocol.KindText,
				Content:  content,
				SenderID: selfID,
				Room:     scope.Room,
				Ts:       time.Now().UnixMilli(),
			}
			mu.Lock()
			inflight[content] = time.Now()
			mu.Unlock()
			if err := session.Publish(scope.Subject(protocol.ChannelSend), ev); err != nil {
				c.addError()
			}
		}
	}
}

// collector aggregates measurements from all client goroutines.
type collector struct {
	mu        sync.Mutex
	connects  []time.Duration
	latencies []time.Duration
	errors    int
	started   time.Time
}

func newCollector() *collector {
	return &collector{started: time.Now()}
}

func (c *collector) addConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

func (c *collector) addLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", len(c.connects))
	fmt.Printf("Echoes:       %d\n", len(c.latencies))
	fmt.Printf("Errors:       %d\n", c.errors)

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connects)
	}
	if len(c.latencies) > 0 {
		fmt.Println("\n--- Send-to-Broadcast Latency ---")
		printPercentiles(c.latencies)
	}
	fmt.Println()
}

// printPercentiles sorts the durations and prints avg, p50, p95, p99, and max
// along with the sample count.
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
