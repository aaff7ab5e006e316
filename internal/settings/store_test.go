package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	got, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ActiveModelID != "whisper-base" {
		t.Fatalf("expected default active model, got %q", got.ActiveModelID)
	}
	if !got.AutoPaste {
		t.Fatal("expected auto paste enabled by default")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewStore(path)

	updated, err := store.Update(func(s *Settings) {
		s.ActiveModelID = "whisper-small"
		s.InjectionMode = "incremental"
		if s.APIKeys == nil {
			s.APIKeys = map[string]string{}
		}
		s.APIKeys["elevenlabs"] = "xi-test-key"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ActiveModelID != "whisper-small" {
		t.Fatalf("unexpected active model: %q", updated.ActiveModelID)
	}

	// A second store instance must see the persisted state.
	reloaded, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ActiveModelID != "whisper-small" {
		t.Fatalf("expected persisted model, got %q", reloaded.ActiveModelID)
	}
	if reloaded.APIKey("elevenlabs") != "xi-test-key" {
		t.Fatalf("expected persisted api key, got %q", reloaded.APIKey("elevenlabs"))
	}
}

func TestUpdateDoesNotLeaveTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "settings.json"))
	if _, err := store.Update(func(s *Settings) { s.AutoPaste = false }); err != nil {
		t.Fatalf("update: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "settings.json" {
		t.Fatalf("expected only settings.json, got %v", entries)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := NewStore(path).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
