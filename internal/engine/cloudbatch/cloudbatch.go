// Package cloudbatch sends finished chunks to hosted transcription REST
// APIs. Two provider shapes are supported: ElevenLabs-style (xi-api-key
// header, model_id field) and BigModel-style (bearer token, model field).
package cloudbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/engine"
)

// Provider describes how one REST API wants the request dressed.
type Provider struct {
	Name      string
	Endpoint  string
	Model     string
	// Header and value used for authentication, e.g. "xi-api-key" or
	// "Authorization" with a "Bearer " prefix.
	AuthHeader string
	AuthPrefix string
	// Field names differ between providers.
	ModelField    string
	LanguageField string
}

func ElevenLabs(cfg config.CloudProviderConfig) Provider {
	return Provider{
		Name:          "elevenlabs",
		Endpoint:      cfg.Endpoint,
		Model:         cfg.Model,
		AuthHeader:    "xi-api-key",
		ModelField:    "model_id",
		LanguageField: "language_code",
	}
}

func BigModel(cfg config.CloudProviderConfig) Provider {
	return Provider{
		Name:          "bigmodel",
		Endpoint:      cfg.Endpoint,
		Model:         cfg.Model,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		ModelField:    "model",
		LanguageField: "language",
	}
}

// KeySource yields the API key for a provider at request time so key
// changes in settings take effect without restart.
type KeySource func(provider string) string

type Engine struct {
	provider Provider
	keys     KeySource
	client   *http.Client
	retries  int
	log      *slog.Logger
}

func New(provider Provider, cfg config.CloudConfig, keys KeySource, log *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		keys:     keys,
		client:   &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		retries:  cfg.MaxRetries,
		log:      log.With(slog.String("component", "engine.cloudbatch"), slog.String("provider", provider.Name)),
	}
}

func (e *Engine) Kind() engine.Kind { return engine.KindCloudBatch }

func (e *Engine) Transcribe(ctx context.Context, req engine.Request) (engine.Transcript, error) {
	key := e.keys(e.provider.Name)
	if key == "" {
		return engine.Transcript{}, fmt.Errorf("%w: %s api key not configured", engine.ErrCloudAuth, e.provider.Name)
	}

	attempt := func() (engine.Transcript, error) {
		transcript, err := e.request(ctx, key, req)
		if err == nil {
			return transcript, nil
		}
		// Auth and quota failures will not improve on retry.
		if isPermanent(err) {
			return engine.Transcript{}, backoff.Permanent(err)
		}
		e.log.Warn("cloud request failed, retrying", slog.String("error", err.Error()))
		return engine.Transcript{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	transcript, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.retries+1)),
	)
	if err != nil {
		return engine.Transcript{}, err
	}
	return transcript, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, engine.ErrCloudAuth) ||
		errors.Is(err, engine.ErrCloudRateLimited) ||
		errors.Is(err, engine.ErrBadRequest)
}

type cloudResponse struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

func (e *Engine) request(ctx context.Context, key string, req engine.Request) (engine.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName(req)))
	header.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(header)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
	}

	model := e.provider.Model
	if err := mw.WriteField(e.provider.ModelField, model); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
	}
	if req.Language != "" {
		if err := mw.WriteField(e.provider.LanguageField, req.Language); err != nil {
			return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
		}
	}
	if req.Prompt != "" {
		if err := mw.WriteField("prompt", req.Prompt); err != nil {
			return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
		}
	}
	if req.Temperature > 0 {
		if err := mw.WriteField("temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64)); err != nil {
			return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
		}
	}
	if err := mw.Close(); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: build request: %v", engine.ErrCloudUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.provider.Endpoint, &body)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrCloudUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set(e.provider.AuthHeader, e.provider.AuthPrefix+key)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: %v", engine.ErrCloudUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: read response: %v", engine.ErrCloudUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.Transcript{}, fmt.Errorf("%w: %s returned %d", engine.ErrCloudAuth, e.provider.Name, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.Transcript{}, fmt.Errorf("%w: %s returned 429", engine.ErrCloudRateLimited, e.provider.Name)
	case resp.StatusCode != http.StatusOK:
		return engine.Transcript{}, fmt.Errorf("%w: %s returned %d: %s", engine.ErrCloudUnavailable, e.provider.Name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded cloudResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return engine.Transcript{}, fmt.Errorf("%w: decode %s response: %v", engine.ErrCloudUnavailable, e.provider.Name, err)
	}
	return engine.Transcript{Text: decoded.Text, Language: decoded.LanguageCode}, nil
}

func fileName(req engine.Request) string {
	if req.FileName != "" {
		return req.FileName
	}
	return "audio.wav"
}
