package audio

import (
	"context"
	"math"
	"testing"
	"time"
)

// fakeDevice replays canned frames at a fixed sample rate.
type fakeDevice struct {
	rate   int
	frames [][]float32
}

func (d *fakeDevice) Open(ctx context.Context) (<-chan []float32, int, error) {
	out := make(chan []float32)
	go func() {
		defer close(out)
		for _, frame := range d.frames {
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, d.rate, nil
}

func sine(rate int, freq float64, dur time.Duration) []float32 {
	n := int(float64(rate) * dur.Seconds())
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return samples
}

func TestTooShort(t *testing.T) {
	min := 150 * time.Millisecond
	short := Recording{SampleRate: 16000, Samples: make([]float32, 16000*149/1000)}
	if !short.TooShort(min) {
		t.Fatalf("149ms recording should be too short, duration %v", short.Duration())
	}
	exact := Recording{SampleRate: 16000, Samples: make([]float32, 16000*150/1000)}
	if exact.TooShort(min) {
		t.Fatalf("150ms recording should pass, duration %v", exact.Duration())
	}
	empty := Recording{SampleRate: 16000}
	if !empty.TooShort(min) {
		t.Fatal("empty recording should be too short")
	}
}

func TestCaptureAccumulatesAllFrames(t *testing.T) {
	dev := &fakeDevice{rate: 16000, frames: [][]float32{
		{0.1, 0.2}, {0.3}, {0.4, 0.5, 0.6},
	}}
	sess, err := Capture(context.Background(), dev)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// Drain the live stream so the device can finish replaying.
	var streamed int
	for frame := range sess.Frames() {
		streamed += len(frame)
		if streamed == 6 {
			break
		}
	}

	rec := sess.Stop()
	if rec.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", rec.SampleRate)
	}
	if len(rec.Samples) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(rec.Samples))
	}
	if rec.Samples[5] != 0.6 {
		t.Fatalf("unexpected final sample %v", rec.Samples[5])
	}
}

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	rec := Recording{SampleRate: 16000, Samples: sine(16000, 440, 200*time.Millisecond)}
	encoded, err := EncodeWAV(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) < 44 {
		t.Fatalf("wav payload suspiciously small: %d bytes", len(encoded))
	}

	decoded, err := DecodeWAV(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SampleRate != rec.SampleRate {
		t.Fatalf("sample rate changed: %d", decoded.SampleRate)
	}
	if len(decoded.Samples) != len(rec.Samples) {
		t.Fatalf("sample count changed: %d vs %d", len(decoded.Samples), len(rec.Samples))
	}
	for i := range decoded.Samples {
		if diff := math.Abs(float64(decoded.Samples[i] - rec.Samples[i])); diff > 0.001 {
			t.Fatalf("sample %d drifted by %v", i, diff)
		}
	}
}

func TestEncodeWAVRejectsBadRate(t *testing.T) {
	if _, err := EncodeWAV(Recording{SampleRate: 0, Samples: []float32{0.1}}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestPCM16BytesClamps(t *testing.T) {
	out := PCM16Bytes([]float32{2.0, -2.0})
	if len(out) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(out))
	}
	hi := int16(out[0]) | int16(out[1])<<8
	lo := int16(out[2]) | int16(out[3])<<8
	if hi != 32767 {
		t.Fatalf("positive overflow not clamped: %d", hi)
	}
	if lo != -32768 {
		t.Fatalf("negative overflow not clamped: %d", lo)
	}
}
