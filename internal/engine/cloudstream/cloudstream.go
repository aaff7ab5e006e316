// Package cloudstream keeps a WebSocket open to a hosted realtime
// transcription API and turns its messages into transcript revisions.
// Two dialects are spoken: ElevenLabs (header auth, base64 JSON chunks,
// partial/committed transcript messages) and Soniox (in-band auth in the
// opening config message, binary PCM frames, token lists with is_final
// markers).
package cloudstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openstt/openstt/internal/audio"
	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/engine"
	"github.com/openstt/openstt/internal/protocol"
)

// KeySource yields the provider API key at connect time.
type KeySource func(provider string) string

// Provider describes one realtime socket dialect.
type Provider struct {
	Name     string
	Endpoint string
	Model    string
	// AuthHeader carries the key on the handshake; empty means the key
	// travels in the opening config message instead.
	AuthHeader string
	// BinaryAudio sends raw PCM frames instead of base64 JSON chunks.
	BinaryAudio bool
}

func ElevenLabsRealtime(cfg config.CloudProviderConfig) Provider {
	return Provider{
		Name:       "elevenlabs",
		Endpoint:   cfg.Endpoint,
		Model:      cfg.Model,
		AuthHeader: "xi-api-key",
	}
}

func SonioxRealtime(cfg config.CloudProviderConfig) Provider {
	return Provider{
		Name:        "soniox",
		Endpoint:    cfg.Endpoint,
		Model:       cfg.Model,
		BinaryAudio: true,
	}
}

type Engine struct {
	provider Provider
	keys     KeySource
	log      *slog.Logger

	dialer *websocket.Dialer
}

func New(provider Provider, keys KeySource, log *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		keys:     keys,
		log: log.With(
			slog.String("component", "engine.cloudstream"),
			slog.String("provider", provider.Name)),
		dialer: websocket.DefaultDialer,
	}
}

func (e *Engine) Kind() engine.Kind { return engine.KindCloudStream }

// Transcribe satisfies the batch interface by running the whole chunk
// through one short-lived stream and concatenating the committed text.
func (e *Engine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	rec, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrBadRequest, err)
	}

	stream, err := e.OpenStream(ctx, "batch", rec.SampleRate)
	if err != nil {
		return engine.Transcript{}, err
	}

	go func() {
		const frame = 6400 // 200ms of PCM16 at 16kHz
		pcm := audio.PCM16Bytes(rec.Samples)
		for off := 0; off < len(pcm); off += frame {
			end := off + frame
			if end > len(pcm) {
				end = len(pcm)
			}
			if err := stream.Send(pcm[off:end]); err != nil {
				return
			}
		}
		_ = stream.CloseSend()
	}()

	var text string
	for rev := range stream.Revisions() {
		if rev.Kind == protocol.RevisionCommitted {
			if text != "" && rev.Text != "" {
				text += " "
			}
			text += rev.Text
		}
	}
	if err := stream.Err(); err != nil && text == "" {
		return engine.Transcript{}, err
	}
	return engine.Transcript{Text: text}, nil
}

type wsOutbound struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base_64,omitempty"`
}

type wsTranscript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

type wsStartConfig struct {
	APIKey                  string `json:"api_key"`
	Model                   string `json:"model"`
	AudioFormat             string `json:"audio_format"`
	SampleRate              int    `json:"sample_rate"`
	NumChannels             int    `json:"num_channels"`
	EnableEndpointDetection bool   `json:"enable_endpoint_detection"`
}

type wsToken struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type wsTokens struct {
	Tokens       []wsToken `json:"tokens"`
	Finished     bool      `json:"finished"`
	ErrorCode    int       `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

// OpenStream dials the provider and starts the receive loop. The returned
// stream covers one utterance unless the caller rekeys it with SetSession.
func (e *Engine) OpenStream(ctx context.Context, sessionID string, sampleRate int) (engine.Stream, error) {
	key := e.keys(e.provider.Name)
	if key == "" {
		return nil, fmt.Errorf("%w: streaming api key not configured", engine.ErrCloudAuth)
	}

	endpoint, err := url.Parse(e.provider.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse stream endpoint: %v", engine.ErrCloudUnavailable, err)
	}

	header := http.Header{}
	if e.provider.AuthHeader != "" {
		query := endpoint.Query()
		query.Set("audio_format", fmt.Sprintf("pcm_%d", sampleRate))
		query.Set("commit_strategy", "vad")
		endpoint.RawQuery = query.Encode()
		header.Set(e.provider.AuthHeader, key)
	}

	conn, resp, err := e.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", engine.ErrCloudAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial stream: %v", engine.ErrCloudUnavailable, err)
	}

	if e.provider.AuthHeader == "" {
		// In-band auth: the opening message carries the key and format.
		// Endpoint detection stays off; push-to-talk finalizes manually.
		start := wsStartConfig{
			APIKey:      key,
			Model:       e.provider.Model,
			AudioFormat: "pcm_s16le",
			SampleRate:  sampleRate,
			NumChannels: 1,
		}
		payload, err := json.Marshal(start)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("encode start config: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: send start config: %v", engine.ErrCloudUnavailable, err)
		}
	}

	s := &stream{
		conn:      conn,
		provider:  e.provider,
		sessionID: sessionID,
		revisions: make(chan protocol.TranscriptRevision, 32),
		log:       e.log,
	}
	go s.receive()
	return s, nil
}

type stream struct {
	conn     *websocket.Conn
	provider Provider
	log      *slog.Logger

	sessMu    sync.Mutex
	sessionID string

	sendMu sync.Mutex
	closed bool

	revisions chan protocol.TranscriptRevision

	errMu sync.Mutex
	err   error
}

func (s *stream) Send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: send after close", engine.ErrStreamInterrupted)
	}

	if s.provider.BinaryAudio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err)
		}
		return nil
	}

	msg := wsOutbound{
		Type:        "input_audio_chunk",
		AudioBase64: base64.StdEncoding.EncodeToString(frame),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode audio chunk: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err)
	}
	return nil
}

func (s *stream) Revisions() <-chan protocol.TranscriptRevision {
	return s.revisions
}

// SetSession rekeys subsequent revisions to a new utterance, used when a
// parked warm socket is reused instead of redialing.
func (s *stream) SetSession(sessionID string) {
	s.sessMu.Lock()
	s.sessionID = sessionID
	s.sessMu.Unlock()
}

func (s *stream) session() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionID
}

// CloseSend tells the provider no more audio is coming. The receive loop
// keeps running until the server closes or finalizes.
func (s *stream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.provider.BinaryAudio {
		// Finalize, then an empty binary frame ends the stream.
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"finalize"}`)); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err)
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err)
		}
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) receive() {
	defer close(s.revisions)
	defer s.conn.Close()

	var draft string
	if s.provider.BinaryAudio {
		draft = s.receiveTokens()
	} else {
		draft = s.receiveTranscripts()
	}

	// Flush the open draft as a commit so a hotkey release ahead of the
	// provider's finalize does not lose text.
	if draft != "" {
		s.emit(protocol.RevisionCommitted, draft)
	}
}

// receiveTranscripts handles the ElevenLabs message schema. It returns the
// draft still open when the socket closed, for the caller to flush.
func (s *stream) receiveTranscripts() string {
	var draft string
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err))
			}
			return draft
		}

		var msg wsTranscript
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("dropping undecodable stream message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "partial_transcript":
			if msg.Text == draft {
				continue
			}
			draft = msg.Text
			s.emit(protocol.RevisionPartial, msg.Text)
		case "committed_transcript":
			draft = ""
			s.emit(protocol.RevisionCommitted, msg.Text)
		case "session_started":
			// informational
		case "auth_error":
			s.setErr(fmt.Errorf("%w: %s", engine.ErrCloudAuth, msg.Error))
			return ""
		case "error":
			s.setErr(fmt.Errorf("%w: %s", engine.ErrStreamInterrupted, msg.Error))
			return ""
		}
	}
}

// receiveTokens handles the Soniox token schema: final tokens accumulate,
// non-final tokens form the tail of the draft, a <fin> token commits.
func (s *stream) receiveTokens() string {
	var finalText, lastDraft string
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("%w: %v", engine.ErrStreamInterrupted, err))
			}
			return strings.TrimSpace(lastDraft)
		}

		var msg wsTokens
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("dropping undecodable stream message", slog.String("error", err.Error()))
			continue
		}

		if msg.ErrorCode != 0 {
			cause := engine.ErrStreamInterrupted
			if msg.ErrorCode == http.StatusUnauthorized || msg.ErrorCode == http.StatusForbidden {
				cause = engine.ErrCloudAuth
			}
			s.setErr(fmt.Errorf("%w: provider error %d: %s", cause, msg.ErrorCode, msg.ErrorMessage))
			return ""
		}

		var nonFinal string
		sawFin := false
		for _, tok := range msg.Tokens {
			if tok.Text == "" {
				continue
			}
			if !tok.IsFinal {
				nonFinal += tok.Text
				continue
			}
			switch tok.Text {
			case "<end>":
				// endpoint detection is off; ignore if it ever appears
			case "<fin>":
				sawFin = true
			default:
				finalText += tok.Text
			}
		}

		if draft := finalText + nonFinal; draft != lastDraft {
			lastDraft = draft
			s.emit(protocol.RevisionPartial, draft)
		}

		if sawFin || msg.Finished {
			if committed := strings.TrimSpace(lastDraft); committed != "" {
				s.emit(protocol.RevisionCommitted, committed)
			}
			finalText, lastDraft = "", ""
			if msg.Finished {
				return ""
			}
		}
	}
}

func (s *stream) emit(kind protocol.RevisionKind, text string) {
	rev := protocol.TranscriptRevision{
		SessionID: s.session(),
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now(),
	}
	if kind == protocol.RevisionCommitted {
		// Committed text must reach the consumer even when it lags; the
		// channel closes only after this goroutine returns, so blocking
		// here cannot race the close.
		s.revisions <- rev
		return
	}
	select {
	case s.revisions <- rev:
	default:
		s.log.Warn("revision consumer fell behind, dropping partial")
	}
}
