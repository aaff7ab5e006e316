// Package sidecar manages an external inference server as a child process.
// The process is spawned lazily on the first chunk, health-probed before
// use, and restarted on failure within a bounded per-minute budget.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/engine"
)

// State is the supervisor lifecycle.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

type Engine struct {
	cfg    config.SidecarConfig
	log    *slog.Logger
	client *http.Client

	baseURL string

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	spawns []time.Time

	// clock is swapped in tests to drive the restart budget window.
	clock func() time.Time
}

func New(cfg config.SidecarConfig, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log.With(slog.String("component", "engine.sidecar")),
		client:  &http.Client{Timeout: time.Duration(cfg.HealthTimeoutMS) * time.Millisecond},
		baseURL: "http://127.0.0.1:" + strconv.Itoa(cfg.Port),
		state:   StateStopped,
		clock:   time.Now,
	}
}

func (e *Engine) Kind() engine.Kind { return engine.KindSidecar }

// State returns the current supervisor state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	if err := e.ensureHealthy(ctx); err != nil {
		return engine.Transcript{}, err
	}

	transcript, err := e.post(ctx, req)
	if err == nil {
		return transcript, nil
	}

	// One restart attempt when the process died under us. Inference errors
	// from a live process are not retried.
	if isConnErr(err) {
		e.markUnhealthy()
		if rerr := e.ensureHealthy(ctx); rerr != nil {
			return engine.Transcript{}, rerr
		}
		return e.post(ctx, req)
	}
	return engine.Transcript{}, err
}

// Close stops the child process if running.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.state = StateStopped
	return nil
}

func (e *Engine) ensureHealthy(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateHealthy && e.cmd != nil && e.cmd.ProcessState == nil {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateFailed && !e.budgetRecoveredLocked() {
		e.mu.Unlock()
		return fmt.Errorf("%w: sidecar restart budget exhausted", engine.ErrEngineUnavailable)
	}

	now := e.clock()
	cutoff := now.Add(-time.Minute)
	recent := e.spawns[:0]
	for _, ts := range e.spawns {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	e.spawns = recent
	if len(e.spawns) >= e.cfg.RestartsPerMinute {
		e.state = StateFailed
		e.mu.Unlock()
		return fmt.Errorf("%w: sidecar restart budget exhausted (%d/min)", engine.ErrEngineUnavailable, e.cfg.RestartsPerMinute)
	}

	if e.state == StateStopped || e.state == StateFailed {
		e.state = StateStarting
	} else {
		e.state = StateRestarting
	}
	e.stopLocked()
	e.spawns = append(e.spawns, now)

	if err := e.spawnLocked(); err != nil {
		e.state = StateFailed
		e.mu.Unlock()
		return fmt.Errorf("%w: spawn sidecar: %v", engine.ErrEngineUnavailable, err)
	}
	e.mu.Unlock()

	if err := e.awaitHealthy(ctx); err != nil {
		e.mu.Lock()
		e.stopLocked()
		e.state = StateFailed
		e.mu.Unlock()
		return fmt.Errorf("%w: sidecar did not become healthy: %v", engine.ErrEngineUnavailable, err)
	}

	e.mu.Lock()
	e.state = StateHealthy
	e.mu.Unlock()
	e.log.Info("sidecar healthy", slog.String("url", e.baseURL))
	return nil
}

// budgetRecoveredLocked reports whether enough of the minute window has
// elapsed since the last spawn to try again after a failure.
func (e *Engine) budgetRecoveredLocked() bool {
	if len(e.spawns) == 0 {
		return true
	}
	cutoff := e.clock().Add(-time.Minute)
	for _, ts := range e.spawns {
		if ts.After(cutoff) {
			return false
		}
	}
	return true
}

func (e *Engine) spawnLocked() error {
	if e.cfg.Command == "" {
		return fmt.Errorf("sidecar command not configured")
	}
	args, err := shellwords.Parse(e.cfg.Command)
	if err != nil {
		return fmt.Errorf("parse sidecar command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("sidecar command empty")
	}

	args = append(args, "--port", strconv.Itoa(e.cfg.Port))
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	e.cmd = cmd
	go func() {
		err := cmd.Wait()
		if err != nil {
			e.log.Warn("sidecar process exited", slog.String("error", err.Error()))
		}
	}()
	e.log.Info("sidecar spawned", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *Engine) stopLocked() {
	if e.cmd != nil && e.cmd.Process != nil && e.cmd.ProcessState == nil {
		_ = e.cmd.Process.Kill()
	}
	e.cmd = nil
}

func (e *Engine) awaitHealthy(ctx context.Context) error {
	probe := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(time.Duration(e.cfg.StartupTimeoutMS)*time.Millisecond),
	)
	return err
}

func (e *Engine) markUnhealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateHealthy {
		e.state = StateRestarting
	}
}

type sidecarResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (e *Engine) post(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName(req))
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrInference, err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrInference, err)
	}
	fields := map[string]string{
		"model":    req.ModelID,
		"language": req.Language,
		"prompt":   req.Prompt,
	}
	if req.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(req.Temperature, 'f', -1, 64)
	}
	if req.Translate {
		fields["task"] = "translate"
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrInference, err)
		}
	}
	if err := mw.Close(); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrInference, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrInference, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		return engine.Transcript{}, connErr{err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Transcript{}, connErr{err}
	}
	if resp.StatusCode != http.StatusOK {
		return engine.Transcript{}, fmt.Errorf("%w: sidecar returned %d: %s", engine.ErrInference, resp.StatusCode, bytes.TrimSpace(payload))
	}

	var decoded sidecarResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: decode sidecar response: %v", engine.ErrInference, err)
	}
	if decoded.Error != "" {
		return engine.Transcript{}, fmt.Errorf("%w: %s", engine.ErrInference, decoded.Error)
	}
	return engine.Transcript{Text: decoded.Text}, nil
}

func fileName(req engine.Request) string {
	if req.FileName != "" {
		return req.FileName
	}
	return "audio.wav"
}

type connErr struct{ err error }

func (c connErr) Error() string { return c.err.Error() }
func (c connErr) Unwrap() error { return c.err }

func isConnErr(err error) bool {
	_, ok := err.(connErr)
	return ok
}
