// Package catalog holds the static model catalog and the registry managing
// download state and the active model selection.
package catalog

import (
	"path/filepath"

	"github.com/openstt/openstt/internal/engine"
)

// Entry is one installable or selectable model configuration. Cloud entries
// have no local artifact and always count as downloaded.
type Entry struct {
	ID          string
	Name        string
	Size        string
	SizeBytes   int64
	Description string
	Filename    string
	DownloadURL string
	Engine      engine.Kind
	StorageDir  string
	RemoteModel string
	Provider    string
}

func (e Entry) Cloud() bool {
	return e.Engine == engine.KindCloudBatch || e.Engine == engine.KindCloudStream
}

// Model is the registry's view of an Entry plus its mutable state.
type Model struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Size        string      `json:"size"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	Description string      `json:"description"`
	DownloadURL string      `json:"download_url,omitempty"`
	Engine      engine.Kind `json:"engine"`
	Provider    string      `json:"provider,omitempty"`
	Downloaded  bool        `json:"downloaded"`
	LocalPath   string      `json:"local_path,omitempty"`
	Active      bool        `json:"active"`
}

var entries = []Entry{
	{
		ID:          "whisper-large-v3-turbo",
		Name:        "Whisper Large V3 Turbo",
		Size:        "1.6GB",
		SizeBytes:   1_624_555_275,
		Description: "Best quality, optimized speed",
		Filename:    "ggml-large-v3-turbo.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3-turbo.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "whisper-large-v3",
		Name:        "Whisper Large V3",
		Size:        "3.1GB",
		SizeBytes:   3_095_033_483,
		Description: "Highest accuracy",
		Filename:    "ggml-large-v3.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "whisper-medium",
		Name:        "Whisper Medium",
		Size:        "1.5GB",
		SizeBytes:   1_533_763_059,
		Description: "Balanced quality and speed",
		Filename:    "ggml-medium.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "whisper-small",
		Name:        "Whisper Small",
		Size:        "466MB",
		SizeBytes:   487_601_967,
		Description: "Fast with good accuracy",
		Filename:    "ggml-small.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "whisper-base",
		Name:        "Whisper Base",
		Size:        "142MB",
		SizeBytes:   147_951_465,
		Description: "Fast, moderate accuracy",
		Filename:    "ggml-base.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "whisper-tiny",
		Name:        "Whisper Tiny",
		Size:        "75MB",
		SizeBytes:   77_691_713,
		Description: "Fastest, basic accuracy",
		Filename:    "ggml-tiny.bin",
		DownloadURL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		Engine:      engine.KindNative,
		StorageDir:  "whisper",
	},
	{
		ID:          "glm-asr-nano",
		Name:        "GLM-ASR Nano (sidecar)",
		Size:        "~1.5GB",
		Description: "Local inference sidecar",
		Filename:    "glm-asr-nano.ready",
		DownloadURL: "",
		Engine:      engine.KindSidecar,
		StorageDir:  "glm",
		RemoteModel: "glm-asr-nano",
	},
	{
		ID:          "glm-asr-2512",
		Name:        "GLM-ASR-2512 (cloud)",
		Size:        "Cloud",
		Description: "Zhipu GLM-ASR-2512 API",
		Engine:      engine.KindCloudBatch,
		StorageDir:  "cloud",
		RemoteModel: "glm-asr-2512",
		Provider:    "bigmodel",
	},
	{
		ID:          "elevenlabs-scribe-v2",
		Name:        "ElevenLabs Scribe v2",
		Size:        "Cloud",
		Description: "ElevenLabs speech-to-text",
		Engine:      engine.KindCloudBatch,
		StorageDir:  "cloud",
		RemoteModel: "scribe_v2",
		Provider:    "elevenlabs",
	},
	{
		ID:          "elevenlabs-realtime",
		Name:        "ElevenLabs Realtime",
		Size:        "Cloud",
		Description: "ElevenLabs streaming speech-to-text",
		Engine:      engine.KindCloudStream,
		StorageDir:  "cloud",
		RemoteModel: "scribe_v2_realtime",
		Provider:    "elevenlabs",
	},
	{
		ID:          "soniox-realtime",
		Name:        "Soniox Realtime",
		Size:        "Cloud",
		Description: "Soniox streaming speech-to-text",
		Engine:      engine.KindCloudStream,
		StorageDir:  "cloud",
		RemoteModel: "stt-rt-v4",
		Provider:    "soniox",
	},
}

// Entries returns the static catalog.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Lookup finds an entry by id.
func Lookup(id string) (Entry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// StoragePath is where the entry's local artifact lives under modelsDir.
// Cloud entries have none.
func StoragePath(modelsDir string, e Entry) string {
	if e.Cloud() {
		return ""
	}
	return filepath.Join(modelsDir, e.StorageDir, e.Filename)
}
