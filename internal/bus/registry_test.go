package bus

import "testing"

func newTestSub(r *registry, topic string, isPrefix bool) *subscription {
	sub := &subscription{
		id:       r.allocID(),
		topic:    topic,
		isPrefix: isPrefix,
		qos:      Batched,
		queue:    newSubQueue(4),
	}
	sub.setState(SubActive)
	r.add(sub)
	return sub
}

func TestRegistry_ExactMatchOnly(t *testing.T) {
	r := newRegistry()
	a := newTestSub(r, "task.completed", false)
	_ = newTestSub(r, "task.failed", false)

	matches := r.matching("task.completed")
	if len(matches) != 1 || matches[0] != a {
		t.Fatalf("expected exactly [a], got %v", matches)
	}
}

func TestRegistry_PrefixSubscriptionsAreAdditive(t *testing.T) {
	r := newRegistry()
	exact := newTestSub(r, "task.completed", false)
	prefix := newTestSub(r, "task.", true)
	catchAll := newTestSub(r, "", true)

	matches := r.matching("task.completed")
	found := map[*subscription]bool{}
	for _, s := range matches {
		found[s] = true
	}
	if !found[exact] || !found[prefix] || !found[catchAll] {
		t.Fatalf("expected exact+prefix+catch-all subscriptions, got %d matches", len(matches))
	}

	other := r.matching("system.status")
	if len(other) != 1 || other[0] != catchAll {
		t.Fatalf("expected only the catch-all subscriber, got %d matches", len(other))
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newRegistry()
	sub := newTestSub(r, "x", false)

	_, ok := r.remove(sub.id)
	if !ok {
		t.Fatal("expected first remove to succeed")
	}
	_, ok = r.remove(sub.id)
	if ok {
		t.Fatal("expected second remove to be a no-op")
	}
	if r.count() != 0 {
		t.Fatalf("count = %d, want 0", r.count())
	}
}

func TestRegistry_RemoveDoesNotAffectOtherSubscriptionsOnSameTopic(t *testing.T) {
	r := newRegistry()
	a := newTestSub(r, "x", false)
	b := newTestSub(r, "x", false)

	r.remove(a.id)
	matches := r.matching("x")
	if len(matches) != 1 || matches[0] != b {
		t.Fatalf("expected only b to remain, got %v", matches)
	}
}

func TestRegistry_TopicsDedupsAndSkipsCatchAll(t *testing.T) {
	r := newRegistry()
	newTestSub(r, "task.completed", false)
	newTestSub(r, "task.", true)
	newTestSub(r, "task.", true) // second subscriber on the same prefix
	newTestSub(r, "", true)      // catch-all names no topic

	topics := r.topics()
	if len(topics) != 2 {
		t.Fatalf("topics = %v, want exactly [task.completed task.]", topics)
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("topics() must not contain the empty string")
		}
		if seen[topic] {
			t.Fatalf("topics() returned duplicate %q", topic)
		}
		seen[topic] = true
	}
}

func TestRegistry_SnapshotAndTopics(t *testing.T) {
	r := newRegistry()
	newTestSub(r, "a", false)
	newTestSub(r, "b", false)

	if r.count() != 2 {
		t.Fatalf("count = %d, want 2", r.count())
	}
	topics := r.topics()
	if len(topics) != 2 {
		t.Fatalf("topics = %v, want 2 entries", topics)
	}
}
