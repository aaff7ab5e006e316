package dictation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/dispatch"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/protocol"
	"github.com/openstt/openstt/internal/settings"
)

type fakeStream struct {
	mu        sync.Mutex
	sessions  []string
	closed    bool
	revisions chan protocol.TranscriptRevision
}

func newFakeStream(sessionID string) *fakeStream {
	return &fakeStream{
		sessions:  []string{sessionID},
		revisions: make(chan protocol.TranscriptRevision, 8),
	}
}

func (f *fakeStream) Send([]byte) error { return nil }

func (f *fakeStream) Revisions() <-chan protocol.TranscriptRevision { return f.revisions }

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.revisions)
	}
	return nil
}

func (f *fakeStream) SetSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
}

func (f *fakeStream) Err() error { return nil }

func (f *fakeStream) sessionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

type fakeStreamProvider struct {
	mu     sync.Mutex
	opens  int
	stream *fakeStream
}

func (f *fakeStreamProvider) Kind() engine.Kind { return engine.KindCloudStream }

func (f *fakeStreamProvider) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	return engine.Transcript{}, nil
}

func (f *fakeStreamProvider) OpenStream(ctx context.Context, sessionID string, sampleRate int) (engine.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.stream = newFakeStream(sessionID)
	return f.stream, nil
}

// newStreamingPipeline wires a pipeline whose active model is a realtime
// cloud entry, dispatched to provider, with a warm window so sockets park
// between utterances.
func newStreamingPipeline(t *testing.T, provider *fakeStreamProvider) *Service {
	t.Helper()
	dir := t.TempDir()

	store := settings.NewStore(filepath.Join(dir, "settings.json"))
	if _, err := store.Update(func(s *settings.Settings) { s.ActiveModelID = "elevenlabs-realtime" }); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	registry := catalog.NewRegistry(filepath.Join(dir, "models"), store, nil, newLogger())
	disp := dispatch.New(registry).WithStream("elevenlabs", provider)

	return New(config.DictationConfig{MinChunkMS: 150, WarmWindowMin: 5}, Options{
		Device:     &fakeDevice{rate: 16000, samples: 16000}, // 1s of audio
		Dispatcher: disp,
		Registry:   registry,
		Publisher:  &fakePublisher{},
	}, newLogger())
}

func TestWarmStreamReuseRekeysUtterance(t *testing.T) {
	provider := &fakeStreamProvider{}
	svc := newStreamingPipeline(t, provider)

	runChunk(t, svc)
	waitIdle(t, svc)
	runChunk(t, svc)
	waitIdle(t, svc)

	provider.mu.Lock()
	opens := provider.opens
	stream := provider.stream
	provider.mu.Unlock()
	if opens != 1 {
		t.Fatalf("warm socket should be reused, dialed %d times", opens)
	}

	sessions := stream.sessionLog()
	if len(sessions) != 2 {
		t.Fatalf("expected the reused socket to be rekeyed once, session log %v", sessions)
	}
	if sessions[0] == "" || sessions[1] == "" || sessions[0] == sessions[1] {
		t.Fatalf("second utterance must carry a fresh session id, got %v", sessions)
	}
}
