// Package runtime assembles the daemon: embedded bus, model registry,
// engine adapters, dictation pipeline, gateway, and telemetry, then runs
// them until the context ends.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/bus"
	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/dictation"
	"github.com/openstt/openstt/internal/dispatch"
	"github.com/openstt/openstt/internal/engine/cloudbatch"
	"github.com/openstt/openstt/internal/engine/cloudstream"
	"github.com/openstt/openstt/internal/engine/native"
	"github.com/openstt/openstt/internal/engine/sidecar"
	"github.com/openstt/openstt/internal/eventstore"
	"github.com/openstt/openstt/internal/gateway"
	"github.com/openstt/openstt/internal/inject"
	"github.com/openstt/openstt/internal/logstore"
	"github.com/openstt/openstt/internal/natsserver"
	"github.com/openstt/openstt/internal/protocol"
	"github.com/openstt/openstt/internal/settings"
)

const prunePeriod = 6 * time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	logs   *logstore.Store

	ready atomic.Bool
	wg    sync.WaitGroup
}

// New builds a runtime. logs may be nil when no ring capture is installed.
func New(cfg config.Config, logger *slog.Logger, logs *logstore.Store) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
}

// Start wires every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer busClient.Close()

	store := settings.NewStore(r.cfg.Settings.Path)

	history, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer history.Close()

	registry := catalog.NewRegistry(r.cfg.Models.Dir, store, func(p protocol.DownloadProgress) {
		if err := busClient.PublishDownloadProgress(p); err != nil {
			r.logger.Warn("download progress publish failed", slog.String("error", err.Error()))
		}
	}, r.logger)

	nativeEngine := native.New(r.cfg.Native, registry.Path, r.logger)
	defer nativeEngine.Close()
	registry.SetPreloader(func(modelID string) {
		if err := nativeEngine.Preload(modelID); err != nil {
			r.logger.Warn("model preload failed",
				slog.String("model", modelID),
				slog.String("error", err.Error()))
		}
	})

	sidecarEngine := sidecar.New(r.cfg.Sidecar, r.logger)
	defer sidecarEngine.Close()

	keys := func(provider string) string {
		s, err := store.Get()
		if err != nil {
			return ""
		}
		return s.APIKeys[provider]
	}

	dispatcher := dispatch.New(registry).
		WithNative(nativeEngine).
		WithSidecar(sidecarEngine).
		WithBatch("elevenlabs", cloudbatch.New(cloudbatch.ElevenLabs(r.cfg.Cloud.ElevenLabs), r.cfg.Cloud, keys, r.logger)).
		WithBatch("bigmodel", cloudbatch.New(cloudbatch.BigModel(r.cfg.Cloud.BigModel), r.cfg.Cloud, keys, r.logger)).
		WithStream("elevenlabs", cloudstream.New(cloudstream.ElevenLabsRealtime(r.cfg.Cloud.Stream), keys, r.logger)).
		WithStream("soniox", cloudstream.New(cloudstream.SonioxRealtime(r.cfg.Cloud.Soniox), keys, r.logger))

	dictationService := r.buildDictation(store, dispatcher, registry, busClient, history)
	registry.SetInUse(func(string) bool { return dictationService.Busy() })

	commandSub, err := bus.SubscribeJSON(busClient, protocol.SubjectDictationCommand, func(cmd protocol.DictationCommand) {
		r.handleDictationCommand(ctx, dictationService, cmd)
	})
	if err != nil {
		return fmt.Errorf("subscribe dictation commands: %w", err)
	}
	defer commandSub.Unsubscribe()

	gw := gateway.New(r.cfg.Gateway, dispatcher, registry, r.logger).
		WithDictation(dictationService).
		WithHistory(history)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := gw.Start(ctx); err != nil {
			r.logger.Error("gateway stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()

	telemetrySrv := r.startTelemetryServer(busClient, metricsHandler)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(prunePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := history.Prune(ctx); err != nil {
					r.logger.Warn("transcript prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("gateway", fmt.Sprintf("%s:%d", r.cfg.Gateway.Bind, r.cfg.Gateway.Port)),
		slog.String("telemetry", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if telemetrySrv != nil {
		if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry server shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) buildDictation(store *settings.Store, dispatcher *dispatch.Dispatcher, registry *catalog.Registry, busClient *bus.Client, history *eventstore.Store) *dictation.Service {
	persisted, err := store.Get()
	if err != nil {
		r.logger.Warn("settings unreadable, using defaults", slog.String("error", err.Error()))
	}

	injectMode := r.cfg.Inject.Mode
	if persisted.InjectionMode != "" {
		injectMode = persisted.InjectionMode
	}
	mode := inject.ModeCommitOnly
	if injectMode == "incremental" {
		mode = inject.ModeIncremental
	}

	var clip inject.Clipboard
	if r.cfg.Inject.ClipboardCommand != "" {
		clip = inject.ExecClipboard{Command: r.cfg.Inject.ClipboardCommand}
	}
	var paster inject.Paster
	if r.cfg.Inject.PasteCommand != "" {
		paster = inject.ExecPaster{
			Clipboard: clip,
			Command:   r.cfg.Inject.PasteCommand,
			Delay:     time.Duration(r.cfg.Dictation.AutoPasteDelayMS) * time.Millisecond,
		}
	}
	var typist inject.Typist
	if r.cfg.Inject.TypeCommand != "" {
		typist = inject.ExecTypist{Command: r.cfg.Inject.TypeCommand}
	}
	reconciler := inject.NewReconciler(mode, typist, paster, clip, r.logger)

	var device audio.Device
	if r.cfg.Dictation.CaptureCommand != "" {
		device = audio.CommandDevice{
			Command: r.cfg.Dictation.CaptureCommand,
			Rate:    r.cfg.Dictation.SampleRate,
		}
	}

	dictCfg := r.cfg.Dictation
	if persisted.WarmWindowMin > 0 {
		dictCfg.WarmWindowMin = persisted.WarmWindowMin
	}

	return dictation.New(dictCfg, dictation.Options{
		Device:     device,
		Dispatcher: dispatcher,
		Registry:   registry,
		Reconciler: reconciler,
		Clipboard:  clip,
		Paster:     paster,
		AutoPaste: func() bool {
			s, err := store.Get()
			if err != nil {
				return false
			}
			return s.AutoPaste
		},
		Publisher: busClient,
		History:   history,
	}, r.logger)
}

func (r *Runtime) handleDictationCommand(ctx context.Context, svc *dictation.Service, cmd protocol.DictationCommand) {
	action := cmd.Action
	if action == "toggle" {
		if svc.State() == dictation.StateListening {
			action = "stop"
		} else {
			action = "start"
		}
	}

	var err error
	switch action {
	case "start":
		err = svc.Start(ctx)
	case "stop":
		err = svc.Stop(ctx)
	default:
		r.logger.Warn("unknown dictation command", slog.String("action", cmd.Action))
		return
	}
	if err != nil {
		r.logger.Warn("dictation command failed",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}

// startTelemetryServer serves liveness, readiness, metrics, and the recent
// log window on the side port.
func (r *Runtime) startTelemetryServer(busClient *bus.Client, metricsHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, req *http.Request) {
		r.handleReady(w, req, busClient)
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	if r.logs != nil {
		mux.HandleFunc("GET /logs", r.handleLogs)
	}

	srv := &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("telemetry server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request, busClient *bus.Client) {
	if r.ready.Load() && busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleLogs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": r.logs.Recent()})
}
