// Package gateway is the daemon's HTTP surface: an OpenAI-compatible
// transcription endpoint plus model management and health.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/dictation"
	"github.com/openstt/openstt/internal/dispatch"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/eventstore"
)

const maxUploadBytes = 64 << 20

type Server struct {
	cfg        config.GatewayConfig
	dispatcher *dispatch.Dispatcher
	registry   *catalog.Registry
	dictation  *dictation.Service
	history    *eventstore.Store
	log        *slog.Logger

	started  time.Time
	requests atomic.Uint64
	counter  metric.Int64Counter

	httpSrv *http.Server
}

func New(cfg config.GatewayConfig, dispatcher *dispatch.Dispatcher, registry *catalog.Registry, log *slog.Logger) *Server {
	meter := otel.Meter("openstt/gateway")
	counter, err := meter.Int64Counter("gateway.requests",
		metric.WithDescription("Transcription requests accepted by the gateway"))
	if err != nil {
		log.Warn("request counter unavailable", slog.String("error", err.Error()))
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		log:        log.With(slog.String("component", "gateway")),
		started:    time.Now(),
		counter:    counter,
	}
}

// WithDictation exposes pipeline and playground control routes.
func (s *Server) WithDictation(d *dictation.Service) *Server {
	s.dictation = d
	return s
}

// WithHistory exposes transcript history routes.
func (s *Server) WithHistory(h *eventstore.Store) *Server {
	s.history = h
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscribe)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("POST /v1/models/{id}/download", s.handleDownload)
	mux.HandleFunc("POST /v1/models/{id}/activate", s.handleActivate)
	mux.HandleFunc("DELETE /v1/models/{id}", s.handleDelete)
	if s.dictation != nil {
		mux.HandleFunc("POST /v1/dictation/start", s.handleDictationStart)
		mux.HandleFunc("POST /v1/dictation/stop", s.handleDictationStop)
		mux.HandleFunc("POST /v1/playground/start", s.handlePlaygroundStart)
		mux.HandleFunc("POST /v1/playground/stop", s.handlePlaygroundStop)
	}
	if s.history != nil {
		mux.HandleFunc("GET /v1/transcripts", s.handleRecentTranscripts)
		mux.HandleFunc("GET /v1/transcripts/{session}", s.handleSessionTranscripts)
	}
	return mux
}

// Start listens and serves until the context ends.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", slog.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Status is the observability snapshot.
type Status struct {
	Port          int    `json:"port"`
	URL           string `json:"url"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Requests      uint64 `json:"requests"`
}

func (s *Server) Status() Status {
	return Status{
		Port:          s.cfg.Port,
		URL:           fmt.Sprintf("http://%s:%d", s.cfg.Bind, s.cfg.Port),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Requests:      s.requests.Load(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.counter != nil {
		s.counter.Add(r.Context(), 1)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, fmt.Errorf("%w: parse multipart form: %v", engine.ErrBadRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: missing file field", engine.ErrBadRequest))
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read upload: %v", engine.ErrBadRequest, err))
		return
	}
	if len(audio) == 0 {
		s.writeError(w, fmt.Errorf("%w: empty audio payload", engine.ErrBadRequest))
		return
	}

	req := engine.Request{
		Audio:    audio,
		FileName: header.Filename,
		ModelID:  r.FormValue("model"),
		Language: r.FormValue("language"),
		Prompt:   r.FormValue("prompt"),
	}
	if v := r.FormValue("temperature"); v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid temperature %q", engine.ErrBadRequest, v))
			return
		}
		req.Temperature = temp
	}
	if task := r.FormValue("task"); task != "" {
		switch task {
		case "transcribe":
		case "translate":
			req.Translate = true
		default:
			s.writeError(w, fmt.Errorf("%w: unknown task %q", engine.ErrBadRequest, task))
			return
		}
	}

	s.log.Info("transcription request",
		slog.String("model", req.ModelID),
		slog.String("file", req.FileName),
		slog.Int("bytes", len(audio)))

	transcript, err := s.dispatcher.Transcribe(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: transcript.Text})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.List()})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Download(context.WithoutCancel(r.Context()), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"model_id": id, "status": "downloading"})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	model, err := s.registry.Activate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDictationStart(w http.ResponseWriter, r *http.Request) {
	if err := s.dictation.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.dictation.State())})
}

func (s *Server) handleDictationStop(w http.ResponseWriter, r *http.Request) {
	if err := s.dictation.Stop(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.dictation.State())})
}

func (s *Server) handlePlaygroundStart(w http.ResponseWriter, r *http.Request) {
	if err := s.dictation.StartPlayground(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "recording"})
}

func (s *Server) handlePlaygroundStop(w http.ResponseWriter, r *http.Request) {
	text, err := s.dictation.StopPlayground(r.Context(), r.FormValue("model"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

func (s *Server) handleRecentTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.FormValue("limit"))
	transcripts, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (s *Server) handleSessionTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.FormValue("limit"))
	transcripts, err := s.history.ListSessionTranscripts(r.Context(), r.PathValue("session"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrModelNotReady),
		errors.Is(err, engine.ErrAlreadyDownloading),
		errors.Is(err, engine.ErrActiveModelInUse):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrCloudRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrCloudAuth),
		errors.Is(err, engine.ErrCloudUnavailable),
		errors.Is(err, engine.ErrStreamInterrupted):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
