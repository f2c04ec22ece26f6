// Package bridge fixes the obligations a gRPC bridge to out-of-process
// agents would have to honor against the bus, without shipping a real
// transport: every inbound Publish becomes exactly one bus publish; every
// outbound Delivery is one envelope dequeued from one subscription;
// registration messages create/destroy subscriptions. No gRPC server is
// wired; this is a type-checked contract boundary, not a working bridge.
package bridge

import (
	"context"
	"sync"

	"github.com/basket/loom/internal/bus"
)

// Bridge is the obligation this runtime owes an out-of-process agent
// bridge: publish what comes in, deliver what a subscription yields,
// register/deregister subscriptions on demand.
type Bridge interface {
	Publish(ctx context.Context, env bus.Event) (bus.PublishOutcome, error)
	Register(ctx context.Context, topic string, qos bus.QoS) (bus.SubscriptionID, error)
	Deregister(ctx context.Context, id bus.SubscriptionID) error
	Deliver(ctx context.Context, id bus.SubscriptionID) (bus.Event, error)
}

// LocalBridge satisfies Bridge entirely in-process against a real Bus. It
// exists to prove the contract is implementable and exercised by tests; it
// is not a network-facing server.
type LocalBridge struct {
	bus *bus.Bus

	mu   sync.Mutex
	subs map[bus.SubscriptionID]*bus.Subscription
}

// NewLocalBridge wraps b to satisfy the Bridge contract.
func NewLocalBridge(b *bus.Bus) *LocalBridge {
	return &LocalBridge{bus: b, subs: make(map[bus.SubscriptionID]*bus.Subscription)}
}

func (l *LocalBridge) Publish(ctx context.Context, env bus.Event) (bus.PublishOutcome, error) {
	return l.bus.PublishEnvelope(env)
}

func (l *LocalBridge) Register(ctx context.Context, topic string, qos bus.QoS) (bus.SubscriptionID, error) {
	id, sub, err := l.bus.SubscribeQoS(topic, qos, bus.SubscribeOptions{Owner: "bridge"})
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.subs[id] = sub
	l.mu.Unlock()
	l.announce(bus.EventAgentRegistered, id, topic, qos)
	return id, nil
}

func (l *LocalBridge) Deregister(ctx context.Context, id bus.SubscriptionID) error {
	l.mu.Lock()
	sub, known := l.subs[id]
	delete(l.subs, id)
	l.mu.Unlock()
	if err := l.bus.UnsubscribeByID(id); err != nil {
		return err
	}
	if known {
		l.announce(bus.EventAgentDeregistered, id, sub.Topic(), sub.QoS())
	}
	return nil
}

// announce publishes an agent.registration event so dashboards can track
// bridge attach/detach without polling the topology.
func (l *LocalBridge) announce(eventType string, id bus.SubscriptionID, topic string, qos bus.QoS) {
	_, _ = l.bus.PublishEnvelope(bus.Event{
		Topic:     bus.TopicAgentRegistration,
		EventType: eventType,
		QoS:       bus.Batched,
		Sender:    "bridge",
		Payload:   bus.AgentRegistrationEvent{SubscriptionID: id, Topic: topic, QoS: qos},
	})
}

func (l *LocalBridge) Deliver(ctx context.Context, id bus.SubscriptionID) (bus.Event, error) {
	l.mu.Lock()
	sub, ok := l.subs[id]
	l.mu.Unlock()
	if !ok {
		return bus.Event{}, bus.ErrNotFound
	}
	return sub.Dequeue(ctx)
}
