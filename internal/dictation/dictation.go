// Package dictation runs the push-to-talk pipeline: capture while the
// hotkey is held, transcribe the finished chunk, deliver the text. Chunks
// are strictly serialized; a new recording may start while the previous
// chunk is still transcribing.
package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/dispatch"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/inject"
	"github.com/openstt/openstt/internal/protocol"
)

type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
)

// Publisher is the slice of the bus client the pipeline needs.
type Publisher interface {
	PublishDictationState(protocol.DictationStateEvent) error
	PublishRevision(protocol.TranscriptRevision) error
}

// History records committed transcripts for later inspection.
type History interface {
	RecordTranscript(ctx context.Context, sessionID, modelID, text string) error
}

type chunk struct {
	sessionID string
	rec       audio.Recording
}

type Service struct {
	cfg        config.DictationConfig
	device     audio.Device
	dispatcher *dispatch.Dispatcher
	registry   *catalog.Registry
	reconciler *inject.Reconciler
	clip       inject.Clipboard
	paster     inject.Paster
	autoPaste  func() bool
	pub        Publisher
	history    History
	log        *slog.Logger

	mu         sync.Mutex
	state      State
	starting   bool
	session    *audio.Session
	sessionID  string
	queue      []chunk
	processing bool

	// streaming utterance state
	stream     engine.Stream
	streamDone chan struct{}
	warmTimer  *time.Timer

	pgSession *audio.Session
}

type Options struct {
	Device     audio.Device
	Dispatcher *dispatch.Dispatcher
	Registry   *catalog.Registry
	Reconciler *inject.Reconciler
	Clipboard  inject.Clipboard
	Paster     inject.Paster
	// AutoPaste is consulted per chunk so settings changes apply live.
	AutoPaste func() bool
	Publisher Publisher
	History   History
}

func New(cfg config.DictationConfig, opts Options, log *slog.Logger) *Service {
	autoPaste := opts.AutoPaste
	if autoPaste == nil {
		autoPaste = func() bool { return false }
	}
	return &Service{
		cfg:        cfg,
		device:     opts.Device,
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		reconciler: opts.Reconciler,
		clip:       opts.Clipboard,
		paster:     opts.Paster,
		autoPaste:  autoPaste,
		pub:        opts.Publisher,
		history:    opts.History,
		log:        log.With(slog.String("component", "dictation")),
		state:      StateIdle,
	}
}

// State returns the externally visible pipeline state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLen reports chunks waiting plus the one being transcribed.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.processing {
		n++
	}
	return n
}

// Busy reports whether any inference is running or queued. The catalog uses
// it to refuse deleting the model mid-flight.
func (s *Service) Busy() bool {
	return s.QueueLen() > 0
}

// Start begins capturing a dictation chunk. Only valid while idle or when
// the previous chunk is still processing; a capture already in progress is
// an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateListening || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("%w: dictation already listening", engine.ErrBadRequest)
	}
	// Hold the transition until capture is open so a second Start cannot
	// slip past the check and orphan this session.
	s.starting = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return err
	}

	_, entry, err := s.dispatcher.Resolve("")
	if err != nil {
		return fail(err)
	}

	sess, err := audio.Capture(ctx, s.device)
	if err != nil {
		return fail(fmt.Errorf("open capture: %w", err))
	}

	s.mu.Lock()
	s.starting = false
	s.session = sess
	s.sessionID = uuid.NewString()
	s.state = StateListening
	sessionID := s.sessionID
	s.mu.Unlock()
	s.publishState()

	if entry.Engine == engine.KindCloudStream {
		if err := s.startStreaming(ctx, sessionID, sess); err != nil {
			s.log.Warn("streaming start failed, chunk will fall back to batch",
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stop ends capture and hands the chunk to the transcription queue. Chunks
// under the minimum duration are dropped without inference.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateListening || s.session == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: dictation not listening", engine.ErrBadRequest)
	}
	sess := s.session
	sessionID := s.sessionID
	s.session = nil
	s.mu.Unlock()

	rec := sess.Stop()
	streamed := s.finishStreaming()

	minDur := time.Duration(s.cfg.MinChunkMS) * time.Millisecond
	if rec.TooShort(minDur) {
		s.log.Debug("chunk below minimum duration, dropped",
			slog.Duration("duration", rec.Duration()),
			slog.Duration("min", minDur))
		s.settle()
		return nil
	}
	if streamed {
		// The provider already delivered this utterance over the socket.
		s.settle()
		return nil
	}

	s.mu.Lock()
	s.queue = append(s.queue, chunk{sessionID: sessionID, rec: rec})
	s.state = StateProcessing
	shouldRun := !s.processing
	if shouldRun {
		s.processing = true
	}
	s.mu.Unlock()
	s.publishState()

	if shouldRun {
		go s.drain(context.WithoutCancel(ctx))
	}
	return nil
}

// drain serializes chunk transcription. One failure never blocks the
// chunks behind it.
func (s *Service) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			if s.state == StateProcessing {
				s.state = StateIdle
			}
			s.mu.Unlock()
			s.publishState()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.publishState()

		if err := s.transcribeChunk(ctx, c); err != nil {
			s.log.Error("chunk transcription failed",
				slog.String("session", c.sessionID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Service) transcribeChunk(ctx context.Context, c chunk) error {
	wav, err := audio.EncodeWAV(c.rec)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	transcript, err := s.dispatcher.Transcribe(ctx, engine.Request{
		Audio:    wav,
		FileName: "dictation.wav",
	})
	if err != nil {
		return err
	}
	if transcript.Text == "" {
		return nil
	}

	s.deliver(ctx, c.sessionID, transcript.Text)
	return nil
}

// deliver puts the final text on the clipboard, optionally auto-pastes,
// publishes the committed revision, and records history. Each step is
// independent; one failing never blocks the others.
func (s *Service) deliver(ctx context.Context, sessionID, text string) {
	if s.clip != nil {
		if err := s.clip.Write(text); err != nil {
			s.log.Warn("clipboard write failed", slog.String("error", err.Error()))
		}
	}
	if s.autoPaste() && s.paster != nil {
		if err := s.paster.Paste(text); err != nil {
			s.log.Warn("auto paste failed", slog.String("error", err.Error()))
		}
	}

	rev := protocol.TranscriptRevision{
		SessionID: sessionID,
		Kind:      protocol.RevisionCommitted,
		Text:      text,
		Timestamp: time.Now(),
	}
	if s.pub != nil {
		if err := s.pub.PublishRevision(rev); err != nil {
			s.log.Warn("revision publish failed", slog.String("error", err.Error()))
		}
	}
	if s.history != nil {
		if err := s.history.RecordTranscript(ctx, sessionID, s.registry.ActiveModelID(), text); err != nil {
			s.log.Warn("history record failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) settle() {
	s.mu.Lock()
	if s.processing {
		s.state = StateProcessing
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.publishState()
}

func (s *Service) publishState() {
	if s.pub == nil {
		return
	}
	ev := protocol.DictationStateEvent{State: string(s.State()), QueueLen: s.QueueLen()}
	if err := s.pub.PublishDictationState(ev); err != nil {
		s.log.Debug("state publish failed", slog.String("error", err.Error()))
	}
}
