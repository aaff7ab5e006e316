package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/dictation"
	"github.com/openstt/openstt/internal/dispatch"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/eventstore"
	"github.com/openstt/openstt/internal/settings"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubEngine struct {
	text string
	err  error
	last engine.Request
}

func (s *stubEngine) Kind() engine.Kind { return engine.KindNative }

func (s *stubEngine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	s.last = req
	if s.err != nil {
		return engine.Transcript{}, s.err
	}
	return engine.Transcript{Text: s.text}, nil
}

// newTestServer wires a gateway over a registry with whisper-base downloaded
// and active, dispatching native inference to eng.
func newTestServer(t *testing.T, eng engine.Engine) (*Server, *catalog.Registry) {
	t.Helper()
	dir := t.TempDir()

	artifact := filepath.Join(dir, "models", "whisper", "ggml-base.bin")
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(artifact, []byte("weights"), 0o644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}

	store := settings.NewStore(filepath.Join(dir, "settings.json"))
	if _, err := store.Update(func(s *settings.Settings) { s.ActiveModelID = "whisper-base" }); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	registry := catalog.NewRegistry(filepath.Join(dir, "models"), store, nil, newLogger())
	disp := dispatch.New(registry).WithNative(eng)
	return New(config.GatewayConfig{Bind: "127.0.0.1", Port: 8790}, disp, registry, newLogger()), registry
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileField != "" {
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(audio); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health returned %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected health body %v", resp)
	}
}

func TestTranscribeHappyPath(t *testing.T) {
	eng := &stubEngine{text: "it works"}
	srv, _ := newTestServer(t, eng)

	body, contentType := multipartBody(t, map[string]string{
		"model":       "whisper-base",
		"language":    "en",
		"prompt":      "tech talk",
		"temperature": "0.2",
		"task":        "translate",
	}, "file", "clip.wav", []byte("RIFFfakewav"))

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp transcribeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "it works" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if eng.last.Language != "en" || eng.last.Prompt != "tech talk" || !eng.last.Translate {
		t.Fatalf("options not passed through: %+v", eng.last)
	}
	if eng.last.Temperature != 0.2 {
		t.Fatalf("temperature not passed: %v", eng.last.Temperature)
	}
	if eng.last.FileName != "clip.wav" {
		t.Fatalf("file name not passed: %q", eng.last.FileName)
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	body, contentType := multipartBody(t, map[string]string{"model": "whisper-base"}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTranscribeUnknownModel(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	body, contentType := multipartBody(t, map[string]string{"model": "no-such-model"}, "file", "a.wav", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTranscribeModelNotReady(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	body, contentType := multipartBody(t, map[string]string{"model": "whisper-tiny"}, "file", "a.wav", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{engine.ErrInference, http.StatusInternalServerError},
		{engine.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{engine.ErrCloudAuth, http.StatusBadGateway},
		{engine.ErrCloudRateLimited, http.StatusTooManyRequests},
		{engine.ErrCloudUnavailable, http.StatusBadGateway},
	}
	for _, tc := range cases {
		eng := &stubEngine{err: tc.err}
		srv, _ := newTestServer(t, eng)
		body, contentType := multipartBody(t, nil, "file", "a.wav", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestRequestCounterAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{text: "ok"})
	for i := 0; i < 3; i++ {
		body, contentType := multipartBody(t, nil, "file", "a.wav", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", contentType)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Requests != 3 {
		t.Fatalf("expected 3 requests, got %d", status.Requests)
	}
	if status.Port != 8790 || status.URL != "http://127.0.0.1:8790" {
		t.Fatalf("unexpected status %+v", status)
	}
}

// fakeDevice yields half a second of silence and then ends capture.
type fakeDevice struct{}

func (fakeDevice) Open(ctx context.Context) (<-chan []float32, int, error) {
	out := make(chan []float32, 1)
	out <- make([]float32, 8000)
	close(out)
	return out, 16000, nil
}

func TestPlaygroundRoutes(t *testing.T) {
	eng := &stubEngine{text: "playground words"}
	srv, registry := newTestServer(t, eng)
	svc := dictation.New(config.DictationConfig{MinChunkMS: 150}, dictation.Options{
		Device:     fakeDevice{},
		Dispatcher: dispatch.New(registry).WithNative(eng),
		Registry:   registry,
	}, newLogger())
	srv.WithDictation(svc)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/playground/start", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("playground start returned %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/playground/stop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("playground stop returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp transcribeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "playground words" {
		t.Fatalf("unexpected playground text %q", resp.Text)
	}
}

func TestDictationStopWithoutStart(t *testing.T) {
	srv, registry := newTestServer(t, &stubEngine{})
	svc := dictation.New(config.DictationConfig{MinChunkMS: 150}, dictation.Options{
		Device:     fakeDevice{},
		Dispatcher: dispatch.New(registry).WithNative(&stubEngine{}),
		Registry:   registry,
	}, newLogger())
	srv.WithDictation(svc)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/dictation/stop", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stop while idle, got %d", rr.Code)
	}
}

func TestTranscriptHistoryRoutes(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	dir := t.TempDir()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(dir, "history.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv.WithHistory(store)

	if err := store.RecordTranscript(context.Background(), "sess-1", "whisper-base", "kept words"); err != nil {
		t.Fatalf("record: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/transcripts", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("recent transcripts returned %d", rr.Code)
	}
	var recent struct {
		Transcripts []eventstore.Transcript `json:"transcripts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recent.Transcripts) != 1 || recent.Transcripts[0].Text != "kept words" {
		t.Fatalf("unexpected transcripts %v", recent.Transcripts)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/transcripts/sess-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("session transcripts returned %d", rr.Code)
	}
}

func TestModelRoutes(t *testing.T) {
	srv, registry := newTestServer(t, &stubEngine{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list models returned %d", rr.Code)
	}
	var listed struct {
		Models []catalog.Model `json:"models"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(listed.Models) == 0 {
		t.Fatal("expected catalog models")
	}

	// Activate a downloaded model over HTTP.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/models/whisper-base/activate", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("activate returned %d: %s", rr.Code, rr.Body.String())
	}
	if registry.ActiveModelID() != "whisper-base" {
		t.Fatalf("activation not persisted")
	}

	// Activating an undownloaded model conflicts.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/models/whisper-tiny/activate", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for undownloaded model, got %d", rr.Code)
	}

	// Deleting an unknown model is a 404.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/models/no-such-model", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	// Deleting the downloaded model falls back to no active model.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/models/whisper-base", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d: %s", rr.Code, rr.Body.String())
	}
	if registry.ActiveModelID() != "" {
		t.Fatalf("expected cleared active model, got %q", registry.ActiveModelID())
	}
}
