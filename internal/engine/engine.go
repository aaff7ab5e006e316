package engine

import (
	"context"

	"github.com/openstt/openstt/internal/protocol"
)

// Kind identifies how an engine runs inference.
type Kind string

const (
	KindNative      Kind = "native"
	KindSidecar     Kind = "sidecar"
	KindCloudBatch  Kind = "cloud-batch"
	KindCloudStream Kind = "cloud-stream"
)

// Request carries one finished audio chunk plus transcription options. Audio
// is a complete WAV payload; FileName is the client's name for it, used by
// multipart cloud providers.
type Request struct {
	Audio       []byte
	FileName    string
	ModelID     string
	Language    string
	Prompt      string
	Temperature float64
	Translate   bool
}

// Transcript is the normalized result every engine returns.
type Transcript struct {
	Text     string
	Language string
}

// Engine runs batch inference on a finished chunk.
type Engine interface {
	Kind() Kind
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Stream is one open utterance on a streaming engine. Send pushes raw PCM16
// frames as they are captured; Revisions delivers full-replacement partial
// and committed texts in order. CloseSend signals end of audio; the provider
// then finalizes and the revisions channel closes.
type Stream interface {
	Send(frame []byte) error
	Revisions() <-chan protocol.TranscriptRevision
	CloseSend() error
	// SetSession rekeys subsequent revisions to a new utterance. Callers
	// that keep a socket open across utterances invoke it before reuse.
	SetSession(sessionID string)
	// Err reports why the stream ended. ErrStreamInterrupted after a socket
	// failure, nil after a clean finalize.
	Err() error
}

// StreamingEngine opens persistent utterance streams. SampleRate tells the
// provider how to interpret the PCM frames.
type StreamingEngine interface {
	Engine
	OpenStream(ctx context.Context, sessionID string, sampleRate int) (Stream, error)
}
