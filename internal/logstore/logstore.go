// Package logstore keeps a bounded in-memory window of recent log entries
// so the daemon can surface them without touching files.
package logstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
}

// Store is a fixed-capacity ring of recent entries.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	filled  bool
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 200
	}
	return &Store{entries: make([]Entry, capacity)}
}

func (s *Store) Push(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = e
	s.next++
	if s.next == len(s.entries) {
		s.next = 0
		s.filled = true
	}
}

// Recent returns entries oldest first.
func (s *Store) Recent() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled {
		out := make([]Entry, s.next)
		copy(out, s.entries[:s.next])
		return out
	}
	out := make([]Entry, 0, len(s.entries))
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

// Handler tees records into a Store while delegating to the next handler.
type Handler struct {
	store *Store
	next  slog.Handler
}

func NewHandler(store *Store, next slog.Handler) *Handler {
	return &Handler{store: store, next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	h.store.Push(Entry{Time: record.Time, Level: record.Level, Message: record.Message})
	return h.next.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{store: h.store, next: h.next.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{store: h.store, next: h.next.WithGroup(name)}
}
