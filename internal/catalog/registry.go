package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/protocol"
	"github.com/openstt/openstt/internal/settings"
)

// ProgressSink receives download progress events, normally the bus client.
type ProgressSink func(protocol.DownloadProgress)

// Preloader warms a model after activation, e.g. loading whisper weights.
type Preloader func(modelID string)

// InUseFn reports whether a model is currently running inference. Deleting
// a model that is active and in use is refused.
type InUseFn func(modelID string) bool

// Registry tracks download state and the active model. One Registry per
// daemon; all methods are safe for concurrent use.
type Registry struct {
	modelsDir string
	store     *settings.Store
	progress  ProgressSink
	preload   Preloader
	inUse     InUseFn
	log       *slog.Logger
	client    *http.Client

	mu   sync.Mutex
	jobs map[string]*downloadJob

	// throttle interval between progress publishes per job
	progressEvery time.Duration
	clock         func() time.Time
}

type downloadJob struct {
	modelID string
	done    chan struct{}
	updates chan protocol.DownloadProgress
	lastPct int
	lastPub time.Time
}

func NewRegistry(modelsDir string, store *settings.Store, progress ProgressSink, log *slog.Logger) *Registry {
	if progress == nil {
		progress = func(protocol.DownloadProgress) {}
	}
	return &Registry{
		modelsDir:     modelsDir,
		store:         store,
		progress:      progress,
		inUse:         func(string) bool { return false },
		log:           log.With(slog.String("component", "catalog")),
		client:        &http.Client{Timeout: 0},
		jobs:          make(map[string]*downloadJob),
		progressEvery: 500 * time.Millisecond,
		clock:         time.Now,
	}
}

// SetPreloader installs the post-activation warmup hook.
func (r *Registry) SetPreloader(fn Preloader) { r.preload = fn }

// SetInUse installs the in-use probe used by Delete.
func (r *Registry) SetInUse(fn InUseFn) {
	if fn != nil {
		r.inUse = fn
	}
}

// ActiveModelID returns the persisted active model id.
func (r *Registry) ActiveModelID() string {
	s, err := r.store.Get()
	if err != nil {
		r.log.Warn("reading settings failed", slog.String("error", err.Error()))
		return ""
	}
	return s.ActiveModelID
}

// List returns every catalog model with its current state.
func (r *Registry) List() []Model {
	active := r.ActiveModelID()
	models := make([]Model, 0, len(entries))
	for _, e := range entries {
		m := Model{
			ID:          e.ID,
			Name:        e.Name,
			Size:        e.Size,
			SizeBytes:   e.SizeBytes,
			Description: e.Description,
			DownloadURL: e.DownloadURL,
			Engine:      e.Engine,
			Provider:    e.Provider,
			Active:      e.ID == active,
		}
		if e.Cloud() {
			m.Downloaded = true
		} else {
			path := StoragePath(r.modelsDir, e)
			if _, err := os.Stat(path); err == nil {
				m.Downloaded = true
				m.LocalPath = path
			}
		}
		models = append(models, m)
	}
	return models
}

// Resolve maps a model id (or "" for the active model) to its catalog entry,
// checking readiness.
func (r *Registry) Resolve(modelID string) (Entry, error) {
	if modelID == "" {
		modelID = r.ActiveModelID()
	}
	e, ok := Lookup(modelID)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", engine.ErrModelNotFound, modelID)
	}
	if !e.Cloud() {
		if _, err := os.Stat(StoragePath(r.modelsDir, e)); err != nil {
			return Entry{}, fmt.Errorf("%w: %s", engine.ErrModelNotReady, modelID)
		}
	}
	return e, nil
}

// Path returns the local artifact path for a downloaded model. Used as the
// native engine's resolver.
func (r *Registry) Path(modelID string) (string, error) {
	e, err := r.Resolve(modelID)
	if err != nil {
		return "", err
	}
	if e.Cloud() {
		return "", fmt.Errorf("%w: %s has no local artifact", engine.ErrBadRequest, modelID)
	}
	return StoragePath(r.modelsDir, e), nil
}

// Activate makes modelID the active model and persists the choice. The
// model must be downloaded first.
func (r *Registry) Activate(modelID string) (Model, error) {
	e, err := r.Resolve(modelID)
	if err != nil {
		return Model{}, err
	}

	if _, err := r.store.Update(func(s *settings.Settings) {
		s.ActiveModelID = modelID
	}); err != nil {
		return Model{}, fmt.Errorf("persist active model: %w", err)
	}
	r.log.Info("active model changed", slog.String("model", modelID))

	if r.preload != nil && e.Engine == engine.KindNative {
		go r.preload(modelID)
	}

	for _, m := range r.List() {
		if m.ID == modelID {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", engine.ErrModelNotFound, modelID)
}

// Delete removes the local artifact. Deleting the active model reassigns
// the selection to any other downloaded model, or clears it when none
// remains. A model actively running inference cannot be deleted.
func (r *Registry) Delete(modelID string) error {
	e, ok := Lookup(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrModelNotFound, modelID)
	}
	if e.Cloud() {
		return fmt.Errorf("%w: cloud model %s has no local artifact", engine.ErrBadRequest, modelID)
	}

	active := r.ActiveModelID()
	if modelID == active && r.inUse(modelID) {
		return fmt.Errorf("%w: %s", engine.ErrActiveModelInUse, modelID)
	}

	r.mu.Lock()
	if _, running := r.jobs[modelID]; running {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrAlreadyDownloading, modelID)
	}
	r.mu.Unlock()

	path := StoragePath(r.modelsDir, e)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove model artifact: %w", err)
	}
	r.log.Info("model deleted", slog.String("model", modelID))

	if modelID != active {
		return nil
	}

	// Fallback: any other downloaded model, or no active model at all.
	next := ""
	for _, m := range r.List() {
		if m.ID != modelID && m.Downloaded && !m.Active {
			next = m.ID
			break
		}
	}
	if _, err := r.store.Update(func(s *settings.Settings) {
		s.ActiveModelID = next
	}); err != nil {
		return fmt.Errorf("persist fallback model: %w", err)
	}
	if next == "" {
		r.log.Warn("no downloaded model left, active selection cleared")
	} else {
		r.log.Info("active model fell back", slog.String("model", next))
	}
	return nil
}

// Download fetches the model artifact in the background. The returned
// channel carries progress updates ending with a done or error event and is
// then closed. A second download for the same id while one is in flight
// fails with ErrAlreadyDownloading.
func (r *Registry) Download(ctx context.Context, modelID string) (<-chan protocol.DownloadProgress, error) {
	e, ok := Lookup(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrModelNotFound, modelID)
	}
	if e.Cloud() {
		ch := make(chan protocol.DownloadProgress, 1)
		ch <- protocol.DownloadProgress{ModelID: modelID, Percent: 100, Done: true}
		close(ch)
		return ch, nil
	}

	r.mu.Lock()
	if _, running := r.jobs[modelID]; running {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyDownloading, modelID)
	}
	job := &downloadJob{
		modelID: modelID,
		done:    make(chan struct{}),
		updates: make(chan protocol.DownloadProgress, 16),
		lastPct: -1,
	}
	r.jobs[modelID] = job
	r.mu.Unlock()

	go r.run(ctx, e, job)
	return job.updates, nil
}

func (r *Registry) run(ctx context.Context, e Entry, job *downloadJob) {
	defer func() {
		r.mu.Lock()
		delete(r.jobs, job.modelID)
		r.mu.Unlock()
		close(job.updates)
		close(job.done)
	}()

	err := r.fetch(ctx, e, job)
	final := protocol.DownloadProgress{ModelID: job.modelID, Percent: 100, Done: true}
	if err != nil {
		final = protocol.DownloadProgress{ModelID: job.modelID, Percent: job.lastPct, Error: err.Error()}
		r.log.Error("model download failed", slog.String("model", job.modelID), slog.String("error", err.Error()))
	} else {
		r.log.Info("model downloaded", slog.String("model", job.modelID))
	}
	r.publish(job, final, true)
}

func (r *Registry) fetch(ctx context.Context, e Entry, job *downloadJob) error {
	path := StoragePath(r.modelsDir, e)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	// Sidecar models are prepared by the sidecar itself; the registry only
	// records readiness with a marker file.
	if e.DownloadURL == "" {
		return os.WriteFile(path, []byte(e.RemoteModel+"\n"), 0o644)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", e.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", e.ID, resp.StatusCode)
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp)

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("write artifact: %w", werr)
			}
			written += int64(n)
			if total > 0 {
				pct := int(written * 100 / total)
				r.publish(job, protocol.DownloadProgress{ModelID: job.modelID, Percent: pct}, false)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("read download stream: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

// publish forwards a progress event to the job channel and, rate limited,
// to the sink. Percent never regresses; final events always go out.
func (r *Registry) publish(job *downloadJob, p protocol.DownloadProgress, final bool) {
	if p.Percent < job.lastPct {
		p.Percent = job.lastPct
	}
	job.lastPct = p.Percent

	now := r.clock()
	if !final && now.Sub(job.lastPub) < r.progressEvery {
		return
	}
	job.lastPub = now

	select {
	case job.updates <- p:
	default:
	}
	r.progress(p)
}
