package protocol

import "time"

// RevisionKind distinguishes in-progress from finalized streaming text.
type RevisionKind string

const (
	RevisionPartial   RevisionKind = "partial"
	RevisionCommitted RevisionKind = "committed"
)

// TranscriptRevision is a streaming provider's full replacement text for the
// currently open utterance, not a diff. A committed revision closes the
// utterance; any revision after it belongs to a new one.
type TranscriptRevision struct {
	SessionID string       `json:"session_id"`
	Kind      RevisionKind `json:"kind"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// DictationStateEvent is broadcast whenever the dictation pipeline changes
// state. Observers (tray, UI) read it; only the pipeline writes it.
type DictationStateEvent struct {
	State    string `json:"state"`
	QueueLen int    `json:"queue_len"`
}

// DownloadProgress reports model download progress. Percent is monotonic
// non-decreasing for a given job.
type DownloadProgress struct {
	ModelID string `json:"model_id"`
	Percent int    `json:"percent"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// DictationCommand drives the pipeline from external triggers such as a
// hotkey daemon or tray menu.
type DictationCommand struct {
	// Action is one of start, stop, toggle.
	Action string `json:"action"`
}

const (
	SubjectRevisionPartial   = "stt.revision.partial"
	SubjectRevisionCommitted = "stt.revision.committed"
	SubjectDictationState    = "dictation.state"
	SubjectDictationCommand  = "dictation.command"
	SubjectDownloadProgress  = "model.download.progress"
)
