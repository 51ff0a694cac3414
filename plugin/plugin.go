package plugin

import (
	"context"
	"net/http"
)

// Plugin is the capability set every backend adapter implements. Callers
// depend only on this contract; adapter internals never cross it.
type Plugin interface {
	Name() string

	// BuildRequest assembles the provider payload. Only requests that could
	// never succeed return an error, as a *ConfigurationError.
	BuildRequest(ctx context.Context, req *ConversationRequest) (ProviderRequest, error)

	// Execute sends the payload. The returned Execution carries a Stream
	// when the request was built for streaming and a Response otherwise.
	// Transport and non-2xx failures are returned as *Error.
	Execute(ctx context.Context, preq ProviderRequest) (Execution, error)

	ParseResponse(raw *RawResponse) (*Result, error)

	// ProcessStreamEvent advances st with one raw event and returns the
	// canonical deltas it produced, possibly none.
	ProcessStreamEvent(ev RawEvent, st *StreamState) ([]StreamDelta, error)
}

// ProviderRequest is an adapter-owned payload. Callers only read the
// serialized form for diagnostics.
type ProviderRequest interface {
	Streaming() bool
	Payload() []byte
	Warnings() []Warning
}

type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// RawEvent is one backend stream event before normalization.
type RawEvent struct {
	Name string
	Data []byte
}

type RawStream interface {
	Next() bool
	Event() RawEvent
	Err() error
	Close() error
}

type Execution struct {
	Response *RawResponse
	Stream   RawStream
	// Warnings raised while sending, e.g. degraded authentication.
	Warnings []Warning
}

// Envelope is the ProviderRequest implementation shared by the adapters.
// Body is the adapter's wire payload.
type Envelope[T any] struct {
	Body     T
	Stream   bool
	JSON     []byte
	Warns    []Warning
	Endpoint string
}

func (e *Envelope[T]) Streaming() bool     { return e.Stream }
func (e *Envelope[T]) Payload() []byte     { return e.JSON }
func (e *Envelope[T]) Warnings() []Warning { return e.Warns }

// Unwrap recovers an adapter's own envelope, reporting a ConfigurationError
// when the request was built by a different adapter.
func Unwrap[T any](adapter string, preq ProviderRequest) (*Envelope[T], error) {
	env, ok := preq.(*Envelope[T])
	if !ok || env == nil {
		return nil, &ConfigurationError{Field: "request", Message: adapter + ": provider request was not built by this adapter"}
	}
	return env, nil
}
