// Package audio implements the microphone/VAD/STT ingestion pipeline that
// the cognitive loop and dashboard consume through the bus's reserved
// audio.voiced, vad, and transcript topics. It does not drive real hardware
// or a real speech model: Source reads PCM16LE frames from a file or a
// synthetic generator, and the transcript stage is a placeholder that
// exercises the bus contract rather than performing recognition.
package audio

import (
	"bufio"
	"context"
	"io"
	"math"
	"os"
	"time"
)

const (
	// FrameDurationMs is the reference frame duration used throughout this
	// pipeline (20ms, per the bus's reserved-topic payload contract).
	FrameDurationMs = 20
	bytesPerSample  = 2 // PCM16LE mono
)

// Source yields successive PCM16LE mono frames until ctx is canceled or
// the underlying stream is exhausted, at which point Frames closes.
type Source interface {
	Frames(ctx context.Context) <-chan []byte
}

// FileSource reads raw PCM16LE mono samples from a file and slices them
// into fixed-size frames at the given sample rate, pacing delivery to real
// time so a replayed file behaves like a live capture.
type FileSource struct {
	Path       string
	SampleRate int
}

func (f *FileSource) Frames(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	frameBytes := f.SampleRate * FrameDurationMs / 1000 * bytesPerSample
	if frameBytes <= 0 {
		frameBytes = 640 // 16kHz * 20ms * 2 bytes
	}

	go func() {
		defer close(out)
		file, err := os.Open(f.Path)
		if err != nil {
			return
		}
		defer file.Close()

		r := bufio.NewReader(file)
		ticker := time.NewTicker(FrameDurationMs * time.Millisecond)
		defer ticker.Stop()

		buf := make([]byte, frameBytes)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// SineSource synthesizes a constant-tone PCM16LE stream for tests and demos
// where no recorded audio is available.
type SineSource struct {
	SampleRate int
	FreqHz     float64
	MaxFrames  int // number of frames to emit before closing; 0 means unbounded
}

func (s *SineSource) Frames(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	samplesPerFrame := s.SampleRate * FrameDurationMs / 1000
	if samplesPerFrame <= 0 {
		samplesPerFrame = 320
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(FrameDurationMs * time.Millisecond)
		defer ticker.Stop()

		var t int
		emitted := 0
		for {
			frame := make([]byte, samplesPerFrame*bytesPerSample)
			for i := 0; i < samplesPerFrame; i++ {
				angle := 2 * math.Pi * s.FreqHz * float64(t) / float64(s.SampleRate)
				v := int16(math.Sin(angle) * 0.2 * math.MaxInt16)
				frame[i*2] = byte(v)
				frame[i*2+1] = byte(v >> 8)
				t++
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
			emitted++
			if s.MaxFrames > 0 && emitted >= s.MaxFrames {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
