package bus

import "encoding/json"

// Reserved topics and event types. The bus does not special-case any of
// these; they document the contract producers and consumers agree on.

// Audio ingestion pipeline topics.
const (
	// TopicAudioVoiced carries raw PCM16-LE mono frames (20ms default) at
	// Realtime QoS: freshness over completeness, since a lagging frame is
	// worse than a dropped one.
	TopicAudioVoiced = "audio.voiced"

	// TopicVAD carries speech_start/speech_end edges at Realtime QoS with an
	// empty payload; only the event type and timing matter.
	TopicVAD            = "vad"
	EventVADSpeechStart = "vad.speech_start"
	EventVADSpeechEnd   = "vad.speech_end"

	// TopicTranscript carries finalized STT output at Batched QoS.
	TopicTranscript      = "transcript"
	EventTranscriptFinal = "transcript.final"
)

// Tool broker topics: a tool invocation is a Batched publish on
// TopicToolInvoke, its outcome a Batched publish on TopicToolResult
// correlated by InvocationID.
const (
	TopicToolInvoke = "tool.invoke"
	TopicToolResult = "tool.result"
)

// Agent registration topics, published by the bridge as out-of-process
// agents attach and detach subscriptions.
const (
	TopicAgentRegistration = "agent.registration"
	EventAgentRegistered   = "agent_registered"
	EventAgentDeregistered = "agent_deregistered"
)

// ToolInvokeEvent is the payload of TopicToolInvoke. Args is raw JSON so
// the bus never interprets it; the broker validates it against the tool's
// schema before dispatch.
type ToolInvokeEvent struct {
	InvocationID string
	Tool         string
	Args         json.RawMessage
}

// ToolResultEvent is the payload of TopicToolResult.
type ToolResultEvent struct {
	InvocationID string
	Tool         string
	Result       json.RawMessage
	Err          string
}

// AgentRegistrationEvent is the payload of TopicAgentRegistration.
type AgentRegistrationEvent struct {
	SubscriptionID SubscriptionID
	Topic          string
	QoS            QoS
}

// VoicedFrame is the payload of TopicAudioVoiced: a single PCM16-LE mono
// capture frame.
type VoicedFrame struct {
	PCM        []byte
	SampleRate int
	SeqNo      uint64
}

// TranscriptEvent is the payload of EventTranscriptFinal.
type TranscriptEvent struct {
	Text       string
	Confidence float64
	SessionID  string
}
