package dictation

import (
	"context"
	"fmt"
	"time"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/engine"
)

// Playground capture is a test harness for trying models: record, stop,
// transcribe, hand the text back. No clipboard, no injection, no history.

// StartPlayground begins an interactive test capture.
func (s *Service) StartPlayground(ctx context.Context) error {
	s.mu.Lock()
	if s.pgSession != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: playground capture already running", engine.ErrBadRequest)
	}
	s.mu.Unlock()

	sess, err := audio.Capture(ctx, s.device)
	if err != nil {
		return fmt.Errorf("open playground capture: %w", err)
	}

	s.mu.Lock()
	s.pgSession = sess
	s.mu.Unlock()
	return nil
}

// StopPlayground ends the capture and transcribes it with the given model
// (empty means the active model), returning the text.
func (s *Service) StopPlayground(ctx context.Context, modelID string) (string, error) {
	s.mu.Lock()
	sess := s.pgSession
	s.pgSession = nil
	s.mu.Unlock()
	if sess == nil {
		return "", fmt.Errorf("%w: no playground capture running", engine.ErrBadRequest)
	}

	rec := sess.Stop()
	minDur := time.Duration(s.cfg.MinChunkMS) * time.Millisecond
	if rec.TooShort(minDur) {
		return "", fmt.Errorf("%w: recording under %v", engine.ErrBadRequest, minDur)
	}

	wav, err := audio.EncodeWAV(rec)
	if err != nil {
		return "", fmt.Errorf("encode playground audio: %w", err)
	}

	transcript, err := s.dispatcher.Transcribe(ctx, engine.Request{
		Audio:    wav,
		FileName: "playground.wav",
		ModelID:  modelID,
	})
	if err != nil {
		return "", err
	}
	return transcript.Text, nil
}
