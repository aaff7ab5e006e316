// Package native runs whisper.cpp inference in-process through the Go
// bindings. The model stays loaded between chunks; switching the active
// model swaps the cached context.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/engine"
)

// PathResolver maps a catalog model id to the weight file on disk.
type PathResolver func(modelID string) (string, error)

type Engine struct {
	cfg     config.NativeConfig
	resolve PathResolver
	log     *slog.Logger

	mu       sync.Mutex
	loadedID string
	model    whisper.Model
}

func New(cfg config.NativeConfig, resolve PathResolver, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		resolve: resolve,
		log:     log.With(slog.String("component", "engine.native")),
	}
}

func (e *Engine) Kind() engine.Kind { return engine.KindNative }

// Preload loads the model weights ahead of the first chunk so activation
// pays the load cost instead of the next dictation.
func (e *Engine) Preload(modelID string) error {
	_, err := e.load(modelID)
	return err
}

func (e *Engine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	model, err := e.load(req.ModelID)
	if err != nil {
		return engine.Transcript{}, err
	}

	rec, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrBadRequest, err)
	}
	samples := resample(rec.Samples, rec.SampleRate, whisper.SampleRate)

	wctx, err := model.NewContext()
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: create context: %v", engine.ErrInference, err)
	}

	lang := req.Language
	if lang == "" {
		lang = e.cfg.Language
	}
	if lang != "" && lang != "auto" {
		if err := wctx.SetLanguage(lang); err != nil {
			return engine.Transcript{}, fmt.Errorf("%w: set language %q: %v", engine.ErrBadRequest, lang, err)
		}
	}
	wctx.SetTranslate(req.Translate)
	if e.cfg.Threads > 0 {
		wctx.SetThreads(uint(e.cfg.Threads))
	}
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		select {
		case <-ctx.Done():
			return engine.Transcript{}, ctx.Err()
		default:
		}
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrInference, err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		parts = append(parts, segment.Text)
	}
	text := strings.TrimSpace(strings.Join(parts, " "))

	return engine.Transcript{Text: text, Language: wctx.DetectedLanguage()}, nil
}

func (e *Engine) load(modelID string) (whisper.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil && e.loadedID == modelID {
		return e.model, nil
	}

	path, err := e.resolve(modelID)
	if err != nil {
		return nil, err
	}

	if e.model != nil {
		e.model.Close()
		e.model = nil
		e.loadedID = ""
	}

	e.log.Info("loading whisper model", slog.String("model", modelID), slog.String("path", path))
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load model %s: %v", engine.ErrEngineUnavailable, modelID, err)
	}
	e.model = model
	e.loadedID = modelID
	return model, nil
}

// Close releases the cached model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Close()
		e.model = nil
		e.loadedID = ""
	}
	return nil
}

// resample converts samples to the target rate with linear interpolation.
// Whisper requires 16kHz input; capture devices often run at 44.1 or 48kHz.
func resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
