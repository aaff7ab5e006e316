package engine

import "errors"

// Sentinel errors for engine and catalog failures. Callers match them with
// errors.Is; adapters wrap them with provider detail.
var (
	// ErrModelNotFound: the requested model id is not in the catalog.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelNotReady: the model exists but its weights are not downloaded.
	ErrModelNotReady = errors.New("model not downloaded")
	// ErrAlreadyDownloading: a download job for this model is in flight.
	ErrAlreadyDownloading = errors.New("model download already in progress")
	// ErrActiveModelInUse: the model cannot be deleted while active and in use.
	ErrActiveModelInUse = errors.New("model is active and in use")
	// ErrInference: the engine ran but inference failed.
	ErrInference = errors.New("inference failed")
	// ErrEngineUnavailable: the engine cannot serve at all, e.g. the sidecar
	// exhausted its restart budget.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrCloudAuth: the provider rejected the credentials.
	ErrCloudAuth = errors.New("cloud provider rejected credentials")
	// ErrCloudRateLimited: the provider throttled the request.
	ErrCloudRateLimited = errors.New("cloud provider rate limited")
	// ErrCloudUnavailable: the provider failed for any other reason.
	ErrCloudUnavailable = errors.New("cloud provider unavailable")
	// ErrStreamInterrupted: the streaming socket dropped mid-utterance.
	ErrStreamInterrupted = errors.New("stream interrupted")
	// ErrBadRequest: the caller's input is malformed.
	ErrBadRequest = errors.New("bad request")
	// ErrInjection: text injection into the focused app failed.
	ErrInjection = errors.New("text injection failed")
)
