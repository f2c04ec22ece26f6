package bus

import "errors"

// Sentinel errors surfaced synchronously to callers of Publish/Subscribe.
// Backpressure is never one of these: it is silent to the publisher and
// visible only through counters and PublishOutcome.
var (
	// ErrInvalidTopic is returned when a topic is empty or exceeds MaxTopicLength.
	ErrInvalidTopic = errors.New("bus: invalid topic")

	// ErrInvalidPayload is returned when a []byte or string payload exceeds
	// the configured payload limit (MaxPayloadBytes by default).
	ErrInvalidPayload = errors.New("bus: payload too large")

	// ErrClosed is returned by Publish/Subscribe once the bus has left the
	// Running state.
	ErrClosed = errors.New("bus: closed")

	// ErrNotFound is returned by UnsubscribeByID for an unknown or already-removed
	// subscription id. It is an idempotent no-op, not a failure.
	ErrNotFound = errors.New("bus: subscription not found")
)

// MaxTopicLength bounds the topic string accepted by Publish/Subscribe.
const MaxTopicLength = 512

// MaxPayloadBytes bounds []byte and string payloads; larger ones are
// rejected with ErrInvalidPayload. Other payload types are not measured,
// since the bus only ever counts bytes it can see.
const MaxPayloadBytes = 1 << 20 // 1 MiB
