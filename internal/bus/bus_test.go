package bus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "task." prefix.
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	// taskSub should receive task.created but not system.status.
	select {
	case event := <-taskSub.Ch():
		if event.Topic != "task.created" {
			t.Fatalf("topic = %q, want task.created", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub should not have system.status.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < DefaultBatchedCapacity+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != DefaultBatchedCapacity {
		t.Fatalf("received %d events, expected %d (buffer size)", count, DefaultBatchedCapacity)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_DroppedEventLogging(t *testing.T) {
	// Verify that warnings are logged at exponential thresholds (1, 10, 100).
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill buffer so subsequent publishes drop.
	for i := 0; i < DefaultBatchedCapacity; i++ {
		b.Publish("test.event", i)
	}

	// Publish enough to cross thresholds at 1 and 10.
	for i := 0; i < 10; i++ {
		b.Publish("test.event", "drop")
	}

	logOutput := buf.String()
	if !containsSubstring(logOutput, "bus_dropped_events_reached_threshold") {
		t.Fatalf("expected threshold warning in log output, got: %s", logOutput)
	}
	if b.DroppedEventCount() != 10 {
		t.Fatalf("dropped count = %d, want 10", b.DroppedEventCount())
	}
}

func TestBus_NoSpamming(t *testing.T) {
	// Verify that the same threshold does not produce duplicate log entries.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill buffer.
	for i := 0; i < DefaultBatchedCapacity; i++ {
		b.Publish("test.event", i)
	}

	// Drop exactly 1 event, triggering threshold 1.
	b.Publish("test.event", "drop1")
	firstLog := buf.String()
	if !containsSubstring(firstLog, "bus_dropped_events_reached_threshold") {
		t.Fatalf("expected warning at threshold 1, got: %s", firstLog)
	}

	// Count occurrences of the threshold message.
	count1 := countSubstring(firstLog, "bus_dropped_events_reached_threshold")
	if count1 != 1 {
		t.Fatalf("expected 1 threshold log at count=1, got %d", count1)
	}

	// Drop 8 more (total=9), none should trigger new log (next threshold is 10).
	buf.Reset()
	for i := 0; i < 8; i++ {
		b.Publish("test.event", "drop")
	}
	if buf.Len() > 0 {
		t.Fatalf("unexpected log output between thresholds: %s", buf.String())
	}
}

func TestBus_DropThreshold(t *testing.T) {
	tests := []struct {
		count    int64
		expected int64
	}{
		{1, 1},
		{5, 1},
		{10, 10},
		{99, 10},
		{100, 100},
		{999, 100},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tt := range tests {
		got := dropThreshold(tt.count)
		if got != tt.expected {
			t.Errorf("dropThreshold(%d) = %d, want %d", tt.count, got, tt.expected)
		}
	}
}

// TestBus_UnsubscribeByIDIsIdempotent verifies that a second
// UnsubscribeByID on the same id returns ErrNotFound and leaves counters
// unchanged.
func TestBus_UnsubscribeByIDIsIdempotent(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	id, _, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.UnsubscribeByID(id); err != nil {
		t.Fatalf("first unsubscribe: %v", err)
	}
	before := b.SubscriberCount()

	if err := b.UnsubscribeByID(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second unsubscribe = %v, want ErrNotFound", err)
	}
	if b.SubscriberCount() != before {
		t.Fatalf("subscriber count changed on idempotent unsubscribe: %d -> %d", before, b.SubscriberCount())
	}
}

// TestBus_NoDeliveryAfterClose verifies that once a subscription's Dequeue
// observes Closed, no further envelope ever arrives on it, even if a
// publish targeting its topic happens afterward.
func TestBus_NoDeliveryAfterClose(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.UnsubscribeByID(sub.ID()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if _, err := sub.Dequeue(context.Background()); !errors.Is(err, errClosedQueue) {
		t.Fatalf("dequeue after unsubscribe = %v, want errClosedQueue", err)
	}

	// A publish on the same topic after the subscription closed must not
	// resurrect it or deliver anything further.
	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: "after-close"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("closed subscription received an envelope after close")
		}
	default:
	}
}

// TestBus_DeliveredCountersReconcile drives a Batched subscription through
// drop-oldest overflow and checks that the bus-wide delivered counter, the
// per-subscription delivered counter, and the drop counters all agree on
// one definition: delivered means admitted to a queue and not later
// evicted.
func TestBus_DeliveredCountersReconcile(t *testing.T) {
	b := NewBus(Config{BatchedCapacity: 4})
	b.Start()
	defer b.Close()

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// 4 fill the queue; 3 more each evict the oldest. Nothing is consumed,
	// so delivered = admitted - evicted = 7 - 3 = 4 at both levels.
	for i := 0; i < 7; i++ {
		if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	top := b.Snapshot()
	if top.EventsDelivered != 4 {
		t.Fatalf("EventsDelivered = %d, want 4", top.EventsDelivered)
	}
	if top.EventsDropped != 3 {
		t.Fatalf("EventsDropped = %d, want 3", top.EventsDropped)
	}
	if got := sub.internal.queue.Delivered(); got != top.EventsDelivered {
		t.Fatalf("per-sub delivered %d != bus-wide delivered %d", got, top.EventsDelivered)
	}
	if sub.Drops() != 3 {
		t.Fatalf("drops = %d, want 3", sub.Drops())
	}
}

// TestBus_DequeueCancellation exercises cancellation of a blocked Dequeue:
// the caller gets ctx.Err() back rather than hanging, and the subscription
// itself remains usable afterward.
func TestBus_DequeueCancellation(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dequeue on empty+canceled queue = %v, want DeadlineExceeded", err)
	}

	// The subscription is still active: a subsequent publish is still
	// delivered normally.
	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: "still-alive"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env, err := sub.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue after cancellation: %v", err)
	}
	if env.Payload != "still-alive" {
		t.Fatalf("payload = %v, want still-alive", env.Payload)
	}
}

// TestBus_DoubleClose exercises that Close is idempotent and safe to call
// more than once, including after Shutdown already ran.
func TestBus_DoubleClose(t *testing.T) {
	b := NewBus(Config{})
	b.Start()

	if err := b.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
}

// TestBus_EmptyTopicRejected verifies that a topic equal to the empty
// string is rejected outright, never matched or queued.
func TestBus_EmptyTopicRejected(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	if _, err := b.PublishEnvelope(Event{Topic: ""}); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("publish with empty topic = %v, want ErrInvalidTopic", err)
	}
}

// TestBus_MaxTopicLengthBoundary exercises the boundary exactly at
// MaxTopicLength (accepted) and one byte over it (rejected).
func TestBus_MaxTopicLengthBoundary(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	atLimit := make([]byte, MaxTopicLength)
	for i := range atLimit {
		atLimit[i] = 'a'
	}
	if _, err := b.PublishEnvelope(Event{Topic: string(atLimit)}); err != nil {
		t.Fatalf("publish at MaxTopicLength: %v", err)
	}

	overLimit := append(atLimit, 'a')
	if _, err := b.PublishEnvelope(Event{Topic: string(overLimit)}); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("publish over MaxTopicLength = %v, want ErrInvalidTopic", err)
	}
}

// TestBus_EmptyPayloadIsLegal verifies that an empty payload is legal and
// delivered like any other envelope.
func TestBus_EmptyPayloadIsLegal(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.PublishEnvelope(Event{Topic: "t"}); err != nil {
		t.Fatalf("publish with empty payload: %v", err)
	}
	env, err := sub.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if env.Payload != nil {
		t.Fatalf("payload = %v, want nil", env.Payload)
	}
}

// TestBus_MaxPayloadBytesBoundary exercises the boundary exactly at
// MaxPayloadBytes (accepted) and one byte over it (ErrInvalidPayload).
func TestBus_MaxPayloadBytesBoundary(t *testing.T) {
	b := NewBus(Config{MaxPayloadBytes: 16})
	b.Start()
	defer b.Close()

	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: make([]byte, 16)}); err != nil {
		t.Fatalf("publish at MaxPayloadBytes: %v", err)
	}
	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: make([]byte, 17)}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("publish over MaxPayloadBytes = %v, want ErrInvalidPayload", err)
	}
}

// TestBus_QueueExactlyAtCapacity checks the capacity boundary: filling a
// Batched queue to exactly its capacity causes no drops; one more triggers
// drop-oldest.
func TestBus_QueueExactlyAtCapacity(t *testing.T) {
	b := NewBus(Config{BatchedCapacity: 4})
	b.Start()
	defer b.Close()

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if sub.Depth() != 4 {
		t.Fatalf("depth = %d, want 4 (exactly at capacity)", sub.Depth())
	}
	if sub.Drops() != 0 {
		t.Fatalf("drops = %d, want 0 at exactly capacity", sub.Drops())
	}

	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: 99}); err != nil {
		t.Fatalf("publish over capacity: %v", err)
	}
	if sub.Depth() != 4 {
		t.Fatalf("depth = %d, want 4 (still bounded)", sub.Depth())
	}
	if sub.Drops() != 1 {
		t.Fatalf("drops = %d, want 1 after exceeding capacity", sub.Drops())
	}
}

// TestBus_SubscriptionCreatedBetweenTwoPublishes: a subscription created
// between two publishes never sees the first one, and must reliably see
// everything published after it subscribed.
func TestBus_SubscriptionCreatedBetweenTwoPublishes(t *testing.T) {
	b := NewBus(Config{})
	b.Start()
	defer b.Close()

	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: "before"}); err != nil {
		t.Fatalf("publish before: %v", err)
	}

	_, sub, err := b.SubscribeQoS("t", Batched, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.PublishEnvelope(Event{Topic: "t", Payload: "after"}); err != nil {
		t.Fatalf("publish after: %v", err)
	}

	env, err := sub.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if env.Payload != "after" {
		t.Fatalf("payload = %v, want %q (the pre-subscribe publish must never appear)", env.Payload, "after")
	}
}

func containsSubstring(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func countSubstring(s, substr string) int {
	return bytes.Count([]byte(s), []byte(substr))
}
