// Package dispatch routes transcription requests to the engine adapter the
// resolved model calls for.
package dispatch

import (
	"context"
	"fmt"

	"github.com/openstt/openstt/internal/catalog"
	"github.com/openstt/openstt/internal/engine"
)

// Dispatcher holds one adapter per engine kind; cloud adapters are keyed
// by provider name.
type Dispatcher struct {
	registry *catalog.Registry

	native  engine.Engine
	sidecar engine.Engine
	batch   map[string]engine.Engine
	streams map[string]engine.StreamingEngine
}

func New(registry *catalog.Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		batch:    make(map[string]engine.Engine),
		streams:  make(map[string]engine.StreamingEngine),
	}
}

func (d *Dispatcher) WithNative(e engine.Engine) *Dispatcher  { d.native = e; return d }
func (d *Dispatcher) WithSidecar(e engine.Engine) *Dispatcher { d.sidecar = e; return d }
func (d *Dispatcher) WithStream(provider string, e engine.StreamingEngine) *Dispatcher {
	d.streams[provider] = e
	return d
}
func (d *Dispatcher) WithBatch(provider string, e engine.Engine) *Dispatcher {
	d.batch[provider] = e
	return d
}

// Resolve maps a model id (empty means the active model) to its adapter.
func (d *Dispatcher) Resolve(modelID string) (engine.Engine, catalog.Entry, error) {
	entry, err := d.registry.Resolve(modelID)
	if err != nil {
		return nil, catalog.Entry{}, err
	}

	var e engine.Engine
	switch entry.Engine {
	case engine.KindNative:
		e = d.native
	case engine.KindSidecar:
		e = d.sidecar
	case engine.KindCloudBatch:
		e = d.batch[entry.Provider]
	case engine.KindCloudStream:
		e = d.streams[entry.Provider]
	}
	if e == nil {
		return nil, catalog.Entry{}, fmt.Errorf("%w: no adapter for %s model %s", engine.ErrEngineUnavailable, entry.Engine, entry.ID)
	}
	return e, entry, nil
}

// Streaming resolves a model that must support utterance streams.
func (d *Dispatcher) Streaming(modelID string) (engine.StreamingEngine, catalog.Entry, error) {
	e, entry, err := d.Resolve(modelID)
	if err != nil {
		return nil, catalog.Entry{}, err
	}
	se, ok := e.(engine.StreamingEngine)
	if !ok {
		return nil, catalog.Entry{}, fmt.Errorf("%w: model %s does not stream", engine.ErrBadRequest, entry.ID)
	}
	return se, entry, nil
}

// Transcribe resolves the model and runs batch inference. The entry's
// catalog id goes into the request so adapters log the user-facing name.
func (d *Dispatcher) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	e, entry, err := d.Resolve(req.ModelID)
	if err != nil {
		return engine.Transcript{}, err
	}
	req.ModelID = entry.ID
	return e.Transcribe(ctx, req)
}
