package audio

import (
	"context"
	"log/slog"

	"github.com/basket/loom/internal/bus"
)

// TranscriptStage subscribes to the audio/VAD topics, accumulates voiced
// frames between a speech-start and speech-end edge, and publishes a
// placeholder transcript once the utterance ends. No real speech-to-text
// model is wired in; Confidence is fixed and Text is a stand-in so that
// downstream consumers (the dashboard's event tap) can be exercised
// against a real bus contract without depending on an STT provider.
type TranscriptStage struct {
	Bus       *bus.Bus
	SessionID string
	Logger    *slog.Logger

	buffered int
}

// Run subscribes to audio.voiced and vad and drives the accumulate/flush
// loop until ctx is canceled or the bus shuts down.
func (t *TranscriptStage) Run(ctx context.Context) error {
	_, audioSub, err := t.Bus.SubscribeQoS(bus.TopicAudioVoiced, bus.Realtime, bus.SubscribeOptions{Owner: "transcript"})
	if err != nil {
		return err
	}
	_, vadSub, err := t.Bus.SubscribeQoS(bus.TopicVAD, bus.Realtime, bus.SubscribeOptions{Owner: "transcript"})
	if err != nil {
		return err
	}
	defer t.Bus.Unsubscribe(audioSub)
	defer t.Bus.Unsubscribe(vadSub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-audioSub.Ch():
			if !ok {
				return nil
			}
			if frame, ok := env.Payload.(bus.VoicedFrame); ok {
				t.buffered += len(frame.PCM)
			}
		case env, ok := <-vadSub.Ch():
			if !ok {
				return nil
			}
			if env.EventType == bus.EventVADSpeechEnd {
				t.flush()
			}
		}
	}
}

func (t *TranscriptStage) flush() {
	if t.buffered == 0 {
		return
	}
	bytesSeen := t.buffered
	t.buffered = 0

	_, err := t.Bus.PublishEnvelope(bus.Event{
		Topic:     bus.TopicTranscript,
		EventType: bus.EventTranscriptFinal,
		QoS:       bus.Batched,
		Sender:    t.SessionID,
		Payload: bus.TranscriptEvent{
			Text:       "[unrecognized speech]",
			Confidence: 0,
			SessionID:  t.SessionID,
		},
	})
	if err != nil && t.Logger != nil {
		t.Logger.Warn("transcript_publish_failed", slog.String("error", err.Error()), slog.Int("bytes", bytesSeen))
	}
}
