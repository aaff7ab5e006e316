// Package inject turns streaming transcript revisions into edits against
// the focused application's text buffer. Incremental mode keeps the screen
// in sync with partials by deleting and retyping the changed suffix;
// commit-only mode skips partials and pastes each committed text once.
package inject

import (
	"fmt"
	"log/slog"

	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/protocol"
)

// Typist performs synthetic keystrokes against the focused target.
type Typist interface {
	Backspace(n int) error
	Type(text string) error
}

// Paster pastes text through the clipboard in one step.
type Paster interface {
	Paste(text string) error
}

// Clipboard is the last-resort delivery channel when injection fails: the
// text still lands somewhere the user can reach.
type Clipboard interface {
	Write(text string) error
}

type Mode string

const (
	// ModeIncremental types partials live and fixes them up on revision.
	// Best-effort: synthetic keystrokes can be dropped by the OS at high
	// revision rates.
	ModeIncremental Mode = "incremental"
	// ModeCommitOnly is the safe default. Partials are ignored; committed
	// text is pasted once per utterance.
	ModeCommitOnly Mode = "commit-only"
)

// Reconciler tracks what has been typed for the current utterance and
// applies each revision as a minimal delete+insert. A committed revision
// closes the utterance and resets the tracked text.
type Reconciler struct {
	mode   Mode
	typist Typist
	paster Paster
	clip   Clipboard
	log    *slog.Logger

	typed []rune
}

func NewReconciler(mode Mode, typist Typist, paster Paster, clip Clipboard, log *slog.Logger) *Reconciler {
	return &Reconciler{
		mode:   mode,
		typist: typist,
		paster: paster,
		clip:   clip,
		log:    log.With(slog.String("component", "inject")),
	}
}

func (r *Reconciler) Mode() Mode { return r.mode }

// TypedText returns the text currently on screen for the open utterance.
func (r *Reconciler) TypedText() string { return string(r.typed) }

// Reset abandons the open utterance without touching the screen. Called
// when a stream dies mid-utterance.
func (r *Reconciler) Reset() { r.typed = nil }

// Apply reconciles one revision. Injection failures are non-fatal: the text
// goes to the clipboard and the error is reported wrapped in ErrInjection
// for the caller to log.
func (r *Reconciler) Apply(rev protocol.TranscriptRevision) error {
	switch r.mode {
	case ModeCommitOnly:
		if rev.Kind != protocol.RevisionCommitted {
			return nil
		}
		if rev.Text == "" {
			return nil
		}
		if err := r.paster.Paste(rev.Text); err != nil {
			return r.fallback(rev.Text, fmt.Errorf("paste: %w", err))
		}
		return nil

	case ModeIncremental:
		if err := r.applyDelta(rev.Text); err != nil {
			keep := rev.Text
			r.Reset()
			return r.fallback(keep, err)
		}
		if rev.Kind == protocol.RevisionCommitted {
			r.typed = nil
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown injection mode %q", engine.ErrBadRequest, r.mode)
	}
}

// applyDelta rewrites the on-screen text to match next: backspace over the
// non-shared suffix, then type the remainder.
func (r *Reconciler) applyDelta(next string) error {
	target := []rune(next)
	prefix := commonPrefix(r.typed, target)

	if deletes := len(r.typed) - prefix; deletes > 0 {
		if err := r.typist.Backspace(deletes); err != nil {
			return fmt.Errorf("backspace %d: %w", deletes, err)
		}
	}
	if suffix := target[prefix:]; len(suffix) > 0 {
		if err := r.typist.Type(string(suffix)); err != nil {
			return fmt.Errorf("type suffix: %w", err)
		}
	}
	r.typed = target
	return nil
}

func (r *Reconciler) fallback(text string, cause error) error {
	if r.clip != nil && text != "" {
		if cerr := r.clip.Write(text); cerr != nil {
			r.log.Error("clipboard fallback failed", slog.String("error", cerr.Error()))
		}
	}
	return fmt.Errorf("%w: %v", engine.ErrInjection, cause)
}

func commonPrefix(a, b []rune) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
