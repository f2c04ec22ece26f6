package audio

import (
	"context"
	"log/slog"

	"github.com/basket/loom/internal/bus"
)

// energyThreshold is the mean-absolute-sample threshold above which a frame
// is considered voiced. Tuned for the 16-bit PCM range, not calibrated
// against real microphone noise floors.
const energyThreshold = 500

// Detector consumes frames from a Source, publishes every frame on
// bus.TopicAudioVoiced at Realtime QoS, and publishes speech-start/
// speech-end edges on bus.TopicVAD, also Realtime.
type Detector struct {
	Source    Source
	Bus       *bus.Bus
	SessionID string
	Logger    *slog.Logger

	seq    uint64
	voiced bool
}

// Run drives the detector until ctx is canceled or the source is
// exhausted. It is meant to run in its own goroutine.
func (d *Detector) Run(ctx context.Context) {
	for frame := range d.Source.Frames(ctx) {
		energy := meanAbsAmplitude(frame)
		isVoiced := energy >= energyThreshold

		d.seq++
		_, err := d.Bus.PublishEnvelope(bus.Event{
			Topic:     bus.TopicAudioVoiced,
			EventType: "audio_voiced",
			QoS:       bus.Realtime,
			Sender:    d.SessionID,
			Payload: bus.VoicedFrame{
				PCM:        frame,
				SampleRate: sampleRateOf(d.Source),
				SeqNo:      d.seq,
			},
		})
		if err != nil && d.Logger != nil {
			d.Logger.Warn("audio_publish_failed", slog.String("error", err.Error()))
		}

		if isVoiced && !d.voiced {
			d.voiced = true
			d.Bus.PublishEnvelope(bus.Event{
				Topic:     bus.TopicVAD,
				EventType: bus.EventVADSpeechStart,
				QoS:       bus.Realtime,
				Sender:    d.SessionID,
			})
		} else if !isVoiced && d.voiced {
			d.voiced = false
			d.Bus.PublishEnvelope(bus.Event{
				Topic:     bus.TopicVAD,
				EventType: bus.EventVADSpeechEnd,
				QoS:       bus.Realtime,
				Sender:    d.SessionID,
			})
		}
	}
}

func meanAbsAmplitude(frame []byte) int {
	if len(frame) < 2 {
		return 0
	}
	var sum int64
	count := 0
	for i := 0; i+1 < len(frame); i += 2 {
		v := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		if v < 0 {
			v = -v
		}
		sum += int64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return int(sum / int64(count))
}

func sampleRateOf(s Source) int {
	switch src := s.(type) {
	case *FileSource:
		return src.SampleRate
	case *SineSource:
		return src.SampleRate
	default:
		return 16000
	}
}
