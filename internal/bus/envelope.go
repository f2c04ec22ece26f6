package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ID is an opaque, unique-for-the-bus-lifetime envelope identifier. It is
// backed by a UUIDv7 so that IDs sort close to publish order without the bus
// having to hand out its own monotonic counter.
type ID [16]byte

// String renders the ID in canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the ID was never assigned.
func (id ID) IsZero() bool {
	return id == ID{}
}

var idFallback atomic.Uint64

// newID mints a fresh envelope ID. uuid.NewV7 only fails if the process
// entropy source is broken; fall back to a counter-derived ID rather than
// letting a publish fail for a reason unrelated to the event itself.
func newID() ID {
	if u, err := uuid.NewV7(); err == nil {
		return ID(u)
	}
	var id ID
	n := idFallback.Add(1)
	now := uint64(time.Now().UnixNano())
	for i := 0; i < 8; i++ {
		id[i] = byte(now >> (8 * (7 - i)))
	}
	for i := 0; i < 8; i++ {
		id[8+i] = byte(n >> (8 * (7 - i)))
	}
	return id
}

// QoS is the quality-of-service class a subscription is created with. It
// fixes the subscription's queue capacity and overflow policy (see the
// decision table in qos.go); it is never changed after Subscribe.
type QoS int

const (
	// Realtime favors freshness: speech frames and VAD edges must not lag
	// behind the producer. Small queue, drop-newest, sampling under load.
	Realtime QoS = iota
	// Batched favors completeness within a generous capacity: tool results
	// and plan/task lifecycle events. Drop-oldest only once truly full.
	Batched
	// Background absorbs bursty, low-priority traffic (telemetry) and sheds
	// the oldest entry once its large buffer is exhausted.
	Background
)

// String implements fmt.Stringer for logging and stats.
func (q QoS) String() string {
	switch q {
	case Realtime:
		return "realtime"
	case Batched:
		return "batched"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("qos(%d)", int(q))
	}
}

// Reference capacities from the decision table in qos.go. Subscriptions may
// override these at Subscribe time; these are only the defaults applied
// when a caller asks for zero.
const (
	DefaultRealtimeCapacity   = 64
	DefaultBatchedCapacity    = 1024
	DefaultBackgroundCapacity = 4096
)

func defaultCapacity(q QoS) int {
	switch q {
	case Realtime:
		return DefaultRealtimeCapacity
	case Background:
		return DefaultBackgroundCapacity
	default:
		return DefaultBatchedCapacity
	}
}

// Envelope is the immutable message unit carried by the bus. Once Publish
// returns, nothing mutates an Envelope's fields; the payload it carries is
// shared by reference across every subscription matched by that publish.
//
// Payload is deliberately typed `any` rather than []byte: most producers in
// this runtime (tool invocations, registration events, heartbeats) hand the
// bus a Go struct, and forcing a marshal/unmarshal round trip on every
// publish would defeat the "never interprets it" contract for no benefit.
// Producers that do carry wire bytes (audio frames) simply pass a []byte
// payload; the bus treats both the same way.
type Envelope struct {
	ID          ID
	Topic       string
	EventType   string
	Payload     any
	Headers     map[string]string
	Sender      string
	PublishedAt int64 // UnixNano, stamped by the bus at accept time
	QoS         QoS
}

// Event is the public alias under which Envelope was known in the original
// single-QoS bus (internal/bus/bus.go's `Event{Topic, Payload}`). Kept as an
// alias rather than a distinct type so every existing `bus.Event{Topic: ...,
// Payload: ...}` call site still compiles unchanged against the richer
// envelope.
type Event = Envelope

// PayloadSize returns the size in bytes if Payload is a []byte or string,
// and 0 otherwise. Used only for MaxPayloadBytes enforcement.
func (e *Envelope) PayloadSize() int {
	switch p := e.Payload.(type) {
	case []byte:
		return len(p)
	case string:
		return len(p)
	default:
		return 0
	}
}

// cloneHeaders returns a defensive copy so a caller mutating the map they
// passed in can't retroactively change an already-published envelope.
func cloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
