// Package bus implements the in-process publish/subscribe fabric at the
// center of the runtime: agents, tool providers, the audio ingestion
// pipeline, and the gateway all exchange events through it. See the package
// comment on Bus for the full contract.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// BusState is the lifecycle state of a Bus: New -> Running -> Draining ->
// Closed.
type BusState int32

const (
	StateNew BusState = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s BusState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Bus at construction time. All fields are optional;
// the zero Config reproduces the reference defaults. Configuration is
// received once, at construction: the bus has no persisted state and reads
// no environment variables of its own.
type Config struct {
	// GlobalLimit is the bus-wide outstanding-envelope budget. Defaults to
	// DefaultGlobalLimit.
	GlobalLimit int64

	// MaxPayloadBytes bounds []byte/string payloads. Defaults to
	// MaxPayloadBytes.
	MaxPayloadBytes int

	// RealtimeCapacity, BatchedCapacity, BackgroundCapacity override the
	// reference per-QoS queue capacities. Zero means "use the package
	// default".
	RealtimeCapacity   int
	BatchedCapacity    int
	BackgroundCapacity int

	// Logger receives drop-threshold warnings and warnings for publishes
	// rejected on the legacy Publish path. A nil Logger disables logging,
	// not the bus.
	Logger *slog.Logger

	// Metrics, when non-nil, wires bus counters into OpenTelemetry
	// instruments (see metrics.go). Optional: every use is nil-checked, the
	// same idiom the rest of this runtime uses for its otel instruments.
	Metrics *Metrics
}

func (c Config) resolve() Config {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = DefaultGlobalLimit
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = MaxPayloadBytes
	}
	if c.RealtimeCapacity <= 0 {
		c.RealtimeCapacity = DefaultRealtimeCapacity
	}
	if c.BatchedCapacity <= 0 {
		c.BatchedCapacity = DefaultBatchedCapacity
	}
	if c.BackgroundCapacity <= 0 {
		c.BackgroundCapacity = DefaultBackgroundCapacity
	}
	return c
}

func (c Config) capacityFor(qos QoS) int {
	switch qos {
	case Realtime:
		return c.RealtimeCapacity
	case Background:
		return c.BackgroundCapacity
	default:
		return c.BatchedCapacity
	}
}

// Bus is the in-process pub/sub fabric described in the package overview:
// publishers hand it envelopes tagged by topic and QoS, it fans them out to
// every matching subscription's own bounded queue, and it applies the QoS
// backpressure policy (qos.go) rather than ever blocking a publisher on a
// slow consumer.
type Bus struct {
	cfg   Config
	state atomic.Int32

	reg   *registry
	stats *globalStats

	droppedEvents   atomic.Int64 // legacy flat counter, mirrors stats.dropped
	lastDropWarning atomic.Int64

	logger *slog.Logger
}

// New creates a Bus with default configuration, already in the Running
// state. This is the long-standing entry point every producer/consumer in
// this runtime uses; it is equivalent to NewBus(Config{}) followed by
// Start().
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a running Bus with an optional logger for
// observability (drop-threshold warnings, rejected legacy publishes).
func NewWithLogger(logger *slog.Logger) *Bus {
	b := NewBus(Config{Logger: logger})
	_ = b.Start()
	return b
}

// NewBus constructs a Bus in the New state. Call Start before publishing or
// subscribing.
func NewBus(cfg Config) *Bus {
	cfg = cfg.resolve()
	b := &Bus{
		cfg:    cfg,
		reg:    newRegistry(),
		stats:  newGlobalStats(),
		logger: cfg.Logger,
	}
	b.state.Store(int32(StateNew))
	return b
}

// State returns the bus's current lifecycle state.
func (b *Bus) State() BusState {
	return BusState(b.state.Load())
}

// Start transitions New -> Running. Calling it on an already-Running bus is
// a no-op; calling it after Shutdown/Close returns ErrClosed.
func (b *Bus) Start() error {
	switch b.State() {
	case StateNew:
		b.state.CompareAndSwap(int32(StateNew), int32(StateRunning))
		return nil
	case StateRunning:
		return nil
	default:
		return ErrClosed
	}
}

// Shutdown transitions Running -> Draining: new Publish/Subscribe calls are
// rejected with ErrClosed, and every subscription moves to Draining with its
// queue closed to new envelopes. Consumers keep receiving what was already
// buffered and observe Closed once their queue is empty. Shutdown does not
// block waiting for consumers; call Close for the terminal teardown.
func (b *Bus) Shutdown() error {
	for {
		cur := b.State()
		if cur == StateDraining || cur == StateClosed {
			return nil
		}
		if b.state.CompareAndSwap(int32(cur), int32(StateDraining)) {
			for _, sub := range b.reg.snapshot() {
				sub.setState(SubDraining)
				sub.queue.close()
			}
			return nil
		}
	}
}

// Close performs a Shutdown, moves the bus to Closed, marks every
// subscription Closed, closes its queue, and removes it from the registry.
// Envelopes still buffered at that instant remain readable through Ch or
// Dequeue until the queue is empty; after that the consumer observes
// Closed. Close is idempotent.
func (b *Bus) Close() error {
	_ = b.Shutdown()
	b.state.CompareAndSwap(int32(StateDraining), int32(StateClosed))
	for _, sub := range b.reg.snapshot() {
		sub.setState(SubClosed)
		sub.queue.close()
		b.reg.remove(sub.id)
	}
	return nil
}

// ---- Publish / Subscribe contract ----

// PublishEnvelope is the full publish path: it stamps PublishedAt and ID if
// absent, validates the topic/payload, resolves matching subscriptions from
// the registry under a single short read-lock, and evaluates the QoS
// admission policy per subscription. It never blocks beyond that bounded
// admission step, and it never fails because there were no subscribers;
// that is MatchedCount == 0 on a successful publish.
func (b *Bus) PublishEnvelope(env Event) (PublishOutcome, error) {
	if b.State() != StateRunning {
		return PublishOutcome{}, ErrClosed
	}
	if env.Topic == "" {
		return PublishOutcome{}, ErrInvalidTopic
	}
	if len(env.Topic) > MaxTopicLength {
		return PublishOutcome{}, ErrInvalidTopic
	}
	if env.PayloadSize() > b.cfg.MaxPayloadBytes {
		return PublishOutcome{}, ErrInvalidPayload
	}

	if env.ID.IsZero() {
		env.ID = newID()
	}
	now := monotonicNow()
	env.PublishedAt = now
	env.Headers = cloneHeaders(env.Headers)

	matches := b.reg.matching(env.Topic)

	ts := b.stats.topic(env.Topic)
	ts.recordPublish(now)
	b.stats.published.Add(1)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.recordPublish(env.Topic)
	}

	outcome := PublishOutcome{Accepted: true, EnvelopeID: env.ID}

	// Read once per publish rather than once per matched subscription: the
	// budget only needs to be a consistent snapshot for this fan-out, not
	// updated mid-loop as this publish's own admissions land.
	global := b.computeGlobalInFlight()

	for _, sub := range matches {
		if sub.getState() != SubActive {
			// Removed/closing mid-dispatch: treated as dropped-closed.
			sub.queue.drops.Add(1)
			b.stats.dropped.Add(1)
			b.droppedEvents.Add(1)
			outcome.DroppedCount++
			continue
		}
		if !sub.acceptsType(env.EventType) {
			sub.droppedType.Add(1)
			b.stats.dropped.Add(1)
			b.droppedEvents.Add(1)
			continue
		}

		outcome.MatchedCount++

		tick := sub.queue.tick.Add(1)
		action := decide(sub.qos, sub.queue.Depth(), sub.queue.Capacity(), global, b.cfg.GlobalLimit, tick)

		switch sub.queue.tryEnqueue(env, action) {
		case outcomeEnqueued:
			ts.recordDelivered(1)
			b.stats.delivered.Add(1)
		case outcomeDroppedOldest:
			// This envelope landed but evicted an older one that had already
			// been counted delivered at its own admission, so the delivered
			// counters are net unchanged; the eviction itself is a drop.
			outcome.DroppedCount++
			b.stats.dropped.Add(1)
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, env.Topic)
		case outcomeDroppedNewest:
			outcome.DroppedCount++
			b.stats.dropped.Add(1)
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, env.Topic)
		case outcomeRejected:
			outcome.DroppedCount++
			b.stats.dropped.Add(1)
			b.droppedEvents.Add(1)
		}
	}

	return outcome, nil
}

// computeGlobalInFlight is the bus-wide outstanding-envelope count: the sum
// of every live subscription's current depth. It is computed on demand
// rather than maintained as a running counter, since a running counter would
// need a decrement at the exact moment an envelope leaves a queue, and
// queues are drained through a caller's own channel receive (Ch()), which
// this package cannot hook. Summing live depths is always correct no matter
// how a subscription is consumed.
func (b *Bus) computeGlobalInFlight() int64 {
	var total int64
	for _, sub := range b.reg.snapshot() {
		total += int64(sub.queue.Depth())
	}
	return total
}

// PublishWithHeaders is a convenience constructor equivalent to building an
// Envelope by hand and calling PublishEnvelope.
func (b *Bus) PublishWithHeaders(topic, eventType string, payload any, headers map[string]string, qos QoS) (PublishOutcome, error) {
	return b.PublishEnvelope(Event{
		Topic:     topic,
		EventType: eventType,
		Payload:   payload,
		Headers:   headers,
		QoS:       qos,
	})
}

// Publish is the long-standing convenience entry point used throughout this
// runtime: publish payload on topic with no type filtering and Background
// QoS. It never blocks and never returns an error; a malformed topic is
// logged and dropped rather than panicking a producer that, under the
// original single-QoS bus, never had to check an error here.
func (b *Bus) Publish(topic string, payload interface{}) {
	_, err := b.PublishEnvelope(Event{Topic: topic, Payload: payload, QoS: Background})
	if err != nil && b.logger != nil {
		b.logger.Warn("bus_publish_rejected", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// SubscribeOptions configures a Subscribe call beyond topic/qos.
type SubscribeOptions struct {
	// TypeFilter restricts delivery to these event types; empty means
	// "all".
	TypeFilter []string
	// Owner tags the subscription with an agent/component id for the
	// Subscriptions(agentID) introspection helper.
	Owner string
	// Capacity overrides the QoS default capacity for this one
	// subscription.
	Capacity int
}

// SubscribeQoS registers a subscription for the exact topic: no wildcards,
// no prefix expansion. Use Subscribe for the topic-prefix convenience the
// gateway's event tap and the heartbeat consumers rely on.
func (b *Bus) SubscribeQoS(topic string, qos QoS, opts SubscribeOptions) (SubscriptionID, *Subscription, error) {
	return b.subscribe(topic, false, qos, opts)
}

// Subscribe creates a subscription matching every topic with the given
// prefix (legacy behavior: an empty prefix matches all topics). It exists
// for backward compatibility with callers written against the original,
// single-QoS bus; new code should prefer SubscribeQoS for the exact
// topic-match semantics. Returns nil on error, matching the original
// panic-free signature.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	_, sub, err := b.subscribe(topicPrefix, true, Batched, SubscribeOptions{})
	if err != nil {
		return nil
	}
	return sub
}

func (b *Bus) subscribe(topic string, isPrefix bool, qos QoS, opts SubscribeOptions) (SubscriptionID, *Subscription, error) {
	if b.State() != StateRunning {
		return 0, nil, ErrClosed
	}
	if !isPrefix && topic == "" {
		return 0, nil, ErrInvalidTopic
	}
	if len(topic) > MaxTopicLength {
		return 0, nil, ErrInvalidTopic
	}

	var filter map[string]struct{}
	if len(opts.TypeFilter) > 0 {
		filter = make(map[string]struct{}, len(opts.TypeFilter))
		for _, t := range opts.TypeFilter {
			filter[t] = struct{}{}
		}
	}

	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = b.cfg.capacityFor(qos)
	}

	id := b.reg.allocID()
	internal := &subscription{
		id:         id,
		topic:      topic,
		isPrefix:   isPrefix,
		typeFilter: filter,
		qos:        qos,
		queue:      newSubQueue(capacity),
		owner:      opts.Owner,
	}
	internal.setState(SubActive)
	b.reg.add(internal)

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.recordSubscribe(qos)
	}

	return id, &Subscription{id: id, internal: internal}, nil
}

// UnsubscribeByID transitions a subscription to Draining and removes it
// from the registry synchronously; the subscription's own queue still
// yields any already-buffered envelopes until drained, after which dequeue
// observes Closed. Idempotent: a second call on the same id returns
// ErrNotFound and leaves counters unchanged.
func (b *Bus) UnsubscribeByID(id SubscriptionID) error {
	sub, ok := b.reg.remove(id)
	if !ok {
		return ErrNotFound
	}
	sub.setState(SubDraining)
	sub.queue.close()
	sub.setState(SubClosed)
	return nil
}

// Unsubscribe is the legacy, void-returning counterpart to
// UnsubscribeByID, kept for source compatibility with the many callers
// that do `defer bus.Unsubscribe(sub)` without checking an error.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	_ = b.UnsubscribeByID(sub.id)
}

// Topics lists every topic with at least one active subscription.
func (b *Bus) Topics() []string {
	return b.reg.topics()
}

// Subscriptions returns introspection views of every live subscription,
// optionally filtered to one owner/agent id. Empty agentID returns
// everything.
func (b *Bus) Subscriptions(agentID string) []SubscriptionView {
	all := b.reg.snapshot()
	global := b.computeGlobalInFlight()
	out := make([]SubscriptionView, 0, len(all))
	for _, sub := range all {
		if agentID != "" && sub.owner != agentID {
			continue
		}
		out = append(out, viewOf(sub, global, b.cfg.GlobalLimit))
	}
	return out
}

// Snapshot returns a best-effort, per-subscription-consistent view of the
// whole bus. It is cheap and safe to call concurrently with publishes.
func (b *Bus) Snapshot() Topology {
	now := monotonicNow()
	subs := b.reg.snapshot()
	global := b.computeGlobalInFlight()
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub, global, b.cfg.GlobalLimit))
	}

	names := b.stats.topicNames()
	topicRows := make([]TopicStat, 0, len(names))
	for _, name := range names {
		ts := b.stats.topic(name)
		topicRows = append(topicRows, TopicStat{
			Topic:       name,
			Published:   ts.published.Load(),
			Delivered:   ts.delivered.Load(),
			LastEventNs: ts.lastEvent.Load(),
			RatePerSec:  ts.rate(now),
		})
	}

	return Topology{
		State:           b.State(),
		EventsPublished: b.stats.published.Load(),
		EventsDelivered: b.stats.delivered.Load(),
		EventsDropped:   b.stats.dropped.Load(),
		GlobalInFlight:  global,
		GlobalLimit:     b.cfg.GlobalLimit,
		Subscriptions:   views,
		Topics:          topicRows,
	}
}

func viewOf(sub *subscription, globalInFlight, globalLimit int64) SubscriptionView {
	types := make([]string, 0, len(sub.typeFilter))
	for t := range sub.typeFilter {
		types = append(types, t)
	}
	return SubscriptionView{
		ID:              sub.id,
		Topic:           sub.topic,
		IsPrefixPattern: sub.isPrefix,
		TypeFilter:      types,
		QoS:             sub.qos,
		State:           sub.getState(),
		Capacity:        sub.queue.Capacity(),
		Depth:           sub.queue.Depth(),
		HighWater:       sub.queue.HighWater(),
		Delivered:       sub.queue.Delivered(),
		DroppedOverflow: sub.queue.Drops(),
		DroppedFilter:   sub.droppedType.Load(),
		Degrading:       degrading(sub.qos, globalInFlight, globalLimit),
		LastDeliveryNs:  sub.queue.lastDeliveryNs.Load(),
	}
}

// SubscriberCount returns the number of active subscriptions (legacy
// introspection helper).
func (b *Bus) SubscriberCount() int {
	return b.reg.count()
}

// DroppedEventCount returns the total number of events dropped across every
// subscription for any reason (overflow, filter, or closed).
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000,
// ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped-event count crosses
// an exponential threshold, so a sustained overflow doesn't spam the log at
// one line per drop. Uses CompareAndSwap to avoid duplicate logs from
// concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}

// Subscription is the consumer-side handle returned by Subscribe /
// SubscribeQoS. It is a "weak" reference with respect to the registry: once
// the bus removes the underlying entry, the consumer doesn't notice until
// its next dequeue, which then observes the queue draining to Closed rather
// than a dangling pointer.
type Subscription struct {
	id       SubscriptionID
	internal *subscription
}

// ID returns the subscription's globally-unique id.
func (s *Subscription) ID() SubscriptionID { return s.id }

// Topic returns the topic or topic-prefix this subscription was created
// with.
func (s *Subscription) Topic() string { return s.internal.topic }

// QoS returns the QoS class fixed at subscribe time.
func (s *Subscription) QoS() QoS { return s.internal.qos }

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() SubState { return s.internal.getState() }

// Ch returns the channel to receive events on, in FIFO delivery order. A
// closed channel (ok == false on receive) means the subscription has been
// unsubscribed or the bus has shut down and this subscription's buffer is
// now empty.
func (s *Subscription) Ch() <-chan Event {
	return s.internal.queue.ch
}

// Dequeue is the explicit, cancellable form of receiving from Ch: it
// suspends until an envelope arrives, ctx is canceled, or the queue closes.
func (s *Subscription) Dequeue(ctx context.Context) (Event, error) {
	select {
	case env, ok := <-s.internal.queue.ch:
		if !ok {
			return Event{}, errClosedQueue
		}
		s.internal.queue.lastDeliveryNs.Store(monotonicNow())
		return env, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Depth returns the subscription's current queue depth.
func (s *Subscription) Depth() int { return s.internal.queue.Depth() }

// HighWater returns the highest depth ever observed on this subscription's
// queue.
func (s *Subscription) HighWater() int { return s.internal.queue.HighWater() }

// Drops returns the subscription's dropped_overflow counter.
func (s *Subscription) Drops() int64 { return s.internal.queue.Drops() }

var errClosedQueue = fmt.Errorf("bus: subscription closed")
