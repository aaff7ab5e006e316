package dictation

import (
	"context"
	"log/slog"
	"time"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/protocol"
)

// startStreaming forwards live capture frames to the provider socket and
// feeds its revisions through the reconciler. A warm stream left over from
// the previous utterance is reused when still healthy.
func (s *Service) startStreaming(ctx context.Context, sessionID string, sess *audio.Session) error {
	s.mu.Lock()
	st := s.stream
	if st != nil && st.Err() == nil {
		if s.warmTimer != nil {
			s.warmTimer.Stop()
			s.warmTimer = nil
		}
		s.mu.Unlock()
		// The parked socket still carries the previous utterance's id;
		// rekey before any revision from this utterance arrives.
		st.SetSession(sessionID)
		s.log.Debug("reusing warm stream", slog.String("session", sessionID))
		go s.forward(sess, st)
		return nil
	}
	s.mu.Unlock()

	se, _, err := s.dispatcher.Streaming("")
	if err != nil {
		return err
	}

	st, err = se.OpenStream(ctx, sessionID, sess.SampleRate())
	if err != nil {
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.stream = st
	s.streamDone = done
	s.mu.Unlock()

	go s.consume(st, done)
	go s.forward(sess, st)
	return nil
}

func (s *Service) forward(sess *audio.Session, st engine.Stream) {
	for frame := range sess.Frames() {
		if err := st.Send(audio.PCM16Bytes(frame)); err != nil {
			s.log.Warn("stream send failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Service) consume(st engine.Stream, done chan struct{}) {
	defer close(done)
	for rev := range st.Revisions() {
		if s.reconciler != nil {
			if err := s.reconciler.Apply(rev); err != nil {
				s.log.Warn("injection failed", slog.String("error", err.Error()))
			}
		}
		if s.pub != nil {
			if err := s.pub.PublishRevision(rev); err != nil {
				s.log.Debug("revision publish failed", slog.String("error", err.Error()))
			}
		}
		if rev.Kind == protocol.RevisionCommitted && rev.Text != "" && s.history != nil {
			if err := s.history.RecordTranscript(context.Background(), rev.SessionID, s.registry.ActiveModelID(), rev.Text); err != nil {
				s.log.Warn("history record failed", slog.String("error", err.Error()))
			}
		}
	}
}

// finishStreaming closes or parks the stream at the end of an utterance.
// It reports whether the utterance was delivered over the stream; false
// means the caller should fall back to batch transcription of the buffered
// chunk.
func (s *Service) finishStreaming() bool {
	s.mu.Lock()
	st := s.stream
	done := s.streamDone
	s.mu.Unlock()
	if st == nil {
		return false
	}

	if err := st.Err(); err != nil {
		s.log.Warn("stream interrupted, falling back to batch", slog.String("error", err.Error()))
		if s.reconciler != nil {
			s.reconciler.Reset()
		}
		s.dropStream(st)
		return false
	}

	warm := time.Duration(s.cfg.WarmWindowMin) * time.Minute
	if warm <= 0 {
		_ = st.CloseSend()
		if done != nil {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				s.log.Warn("stream finalize timed out")
			}
		}
		s.dropStream(st)
		return true
	}

	// Park the socket so the next utterance skips the handshake.
	s.mu.Lock()
	if s.warmTimer != nil {
		s.warmTimer.Stop()
	}
	s.warmTimer = time.AfterFunc(warm, func() {
		s.log.Debug("warm stream window expired")
		_ = st.CloseSend()
		s.dropStream(st)
	})
	s.mu.Unlock()
	return true
}

// dropStream clears the parked stream if it is still the current one.
func (s *Service) dropStream(st engine.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == st {
		s.stream = nil
		s.streamDone = nil
		if s.warmTimer != nil {
			s.warmTimer.Stop()
			s.warmTimer = nil
		}
	}
}
