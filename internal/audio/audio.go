package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Device is a capture source. Open starts delivering float32 mono frames on
// the returned channel until ctx is cancelled; the channel is closed when
// capture stops. The int return is the device sample rate in Hz.
type Device interface {
	Open(ctx context.Context) (<-chan []float32, int, error)
}

// Recording is a finished capture buffer.
type Recording struct {
	SampleRate int
	Samples    []float32
}

func (r Recording) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(r.Samples)) / float64(r.SampleRate) * float64(time.Second))
}

// TooShort reports whether the recording is under min. Sub-minimum chunks
// carry no usable speech and are discarded before inference.
func (r Recording) TooShort(min time.Duration) bool {
	return r.Duration() < min
}

// Session accumulates frames from a Device while optionally fanning them out
// to a streaming consumer. Stop returns everything captured so far.
type Session struct {
	cancel context.CancelFunc

	mu         sync.Mutex
	sampleRate int
	samples    []float32

	frames chan []float32
	done   chan struct{}
}

// Capture opens dev and starts buffering. The session owns the capture
// lifetime; cancelling the parent ctx or calling Stop ends it.
func Capture(ctx context.Context, dev Device) (*Session, error) {
	if dev == nil {
		return nil, errors.New("no capture device configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	in, rate, err := dev.Open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		cancel:     cancel,
		sampleRate: rate,
		frames:     make(chan []float32, 64),
		done:       make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.frames)
		for frame := range in {
			s.mu.Lock()
			s.samples = append(s.samples, frame...)
			s.mu.Unlock()
			select {
			case s.frames <- frame:
			default:
				// Streaming consumer fell behind; the full buffer still
				// has the frame, only the live fan-out drops it.
			}
		}
	}()

	return s, nil
}

// SampleRate is the device rate for this session.
func (s *Session) SampleRate() int {
	return s.sampleRate
}

// Frames exposes the live frame stream for streaming engines. Frames may be
// dropped from this channel under backpressure but never from the buffer.
func (s *Session) Frames() <-chan []float32 {
	return s.frames
}

// Stop ends capture and returns the accumulated recording.
func (s *Session) Stop() Recording {
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return Recording{SampleRate: s.sampleRate, Samples: s.samples}
}
