package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user-mutable state that survives daemon restarts. The
// static daemon configuration stays in internal/config; this file is the
// moving part the catalog and dictation pipeline write at runtime.
type Settings struct {
	ActiveModelID     string            `json:"active_model_id"`
	AutoPaste         bool              `json:"auto_paste"`
	InjectionMode     string            `json:"injection_mode,omitempty"`
	DictationShortcut string            `json:"dictation_shortcut,omitempty"`
	WarmWindowMin     int               `json:"warm_window_min,omitempty"`
	APIKeys           map[string]string `json:"api_keys,omitempty"`
}

// Default returns the settings a fresh install starts with.
func Default() Settings {
	return Settings{
		ActiveModelID: "whisper-base",
		AutoPaste:     true,
	}
}

// APIKey returns the stored key for a cloud provider, or "".
func (s Settings) APIKey(provider string) string {
	return s.APIKeys[provider]
}

// Store persists Settings in a single JSON file. All operations are safe
// for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	current Settings
	loaded  bool
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads settings from disk, falling back to defaults when the file
// does not exist yet. The result is cached for subsequent Get calls.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.current = Default()
			s.loaded = true
			return s.current, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var cfg Settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	s.current = cfg
	s.loaded = true
	return cfg, nil
}

// Get returns the cached settings, loading from disk on first use.
func (s *Store) Get() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return s.loadLocked()
	}
	return s.current, nil
}

// Update applies fn to the current settings and persists the result. The
// write goes through a temp file and rename so a crash never leaves a
// half-written settings file.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, err := s.loadLocked(); err != nil {
			return Settings{}, err
		}
	}

	next := s.current
	if next.APIKeys != nil {
		keys := make(map[string]string, len(next.APIKeys))
		for k, v := range next.APIKeys {
			keys[k] = v
		}
		next.APIKeys = keys
	}
	fn(&next)

	if err := s.writeLocked(next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}

func (s *Store) writeLocked(cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
