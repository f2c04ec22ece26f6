package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// topicStats holds the per-topic counters. One instance lives per
// topic string ever published to; it is never removed, since dropping it
// the moment the last subscriber unsubscribes would lose the counters a
// dashboard may be mid-read of.
type topicStats struct {
	published atomic.Int64
	delivered atomic.Int64
	lastEvent atomic.Int64 // UnixNano

	mu     sync.Mutex
	window []int64 // publish timestamps within the trailing second, for rate()
}

func (t *topicStats) recordPublish(now int64) {
	t.published.Add(1)
	t.lastEvent.Store(now)
	t.mu.Lock()
	t.window = append(t.window, now)
	t.window = trimWindow(t.window, now)
	t.mu.Unlock()
}

func (t *topicStats) recordDelivered(n int64) {
	t.delivered.Add(n)
}

// rate returns an approximate events/sec over the trailing 1s window. The
// raw counters remain the source of truth; this is a derived, best-effort
// figure computed only when Snapshot is called.
func (t *topicStats) rate(now int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = trimWindow(t.window, now)
	return float64(len(t.window))
}

func trimWindow(w []int64, now int64) []int64 {
	cutoff := now - int64(time.Second)
	i := 0
	for i < len(w) && w[i] < cutoff {
		i++
	}
	if i == 0 {
		return w
	}
	return append(w[:0], w[i:]...)
}

// globalStats are the bus-wide monotonic counters.
type globalStats struct {
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64 // overflow + filter + closed, summed

	mu     sync.RWMutex
	topics map[string]*topicStats
}

func newGlobalStats() *globalStats {
	return &globalStats{topics: make(map[string]*topicStats)}
}

func (g *globalStats) topic(name string) *topicStats {
	g.mu.RLock()
	t, ok := g.topics[name]
	g.mu.RUnlock()
	if ok {
		return t
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok = g.topics[name]; ok {
		return t
	}
	t = &topicStats{}
	g.topics[name] = t
	return t
}

func (g *globalStats) topicNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.topics))
	for name := range g.topics {
		out = append(out, name)
	}
	return out
}

// SubscriptionView is a read-only, best-effort-consistent snapshot of one
// subscription, read from that subscription's own lock-free counters (never
// the registry lock): consistent per subscription, not globally atomic.
type SubscriptionView struct {
	ID              SubscriptionID
	Topic           string
	IsPrefixPattern bool
	TypeFilter      []string
	QoS             QoS
	State           SubState
	Capacity        int
	Depth           int
	HighWater       int
	Delivered       int64
	DroppedOverflow int64
	DroppedFilter   int64
	Degrading       bool
	LastDeliveryNs  int64
}

// TopicStat is one row of the per-topic table in a Topology snapshot.
type TopicStat struct {
	Topic       string
	Published   int64
	Delivered   int64
	LastEventNs int64
	RatePerSec  float64
}

// Topology is the full result of Bus.Snapshot: everything the dashboard
// needs to render current bus health in one call.
type Topology struct {
	State           BusState
	EventsPublished int64
	EventsDelivered int64
	EventsDropped   int64
	GlobalInFlight  int64
	GlobalLimit     int64
	Subscriptions   []SubscriptionView
	Topics          []TopicStat
}

// PublishOutcome is returned synchronously from PublishEnvelope. It never signals
// an error for "no subscribers"; that's matched_count == 0 on a perfectly
// successful publish.
type PublishOutcome struct {
	Accepted     bool
	EnvelopeID   ID
	MatchedCount int
	DroppedCount int
}
