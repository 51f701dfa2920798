package llm

import (
	"context"
	"fmt"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	ErrUnreachable ErrorKind = "unreachable"
	ErrHTTPStatus  ErrorKind = "http_status"
	ErrBadResponse ErrorKind = "bad_response"
	ErrUpstream    ErrorKind = "upstream_error"
	ErrSubprocess  ErrorKind = "subprocess_error"
)

// TransportError is the typed failure surfaced by every transport.
type TransportError struct {
	Kind   ErrorKind
	URL    string
	Status int    // set for ErrHTTPStatus
	Detail string // upstream message, stderr tail, or body excerpt
	Err    error  // wrapped cause, if any
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case ErrHTTPStatus:
		msg := fmt.Sprintf("HTTP %d from %s", e.Status, e.URL)
		switch e.Status {
		case 401:
			msg += ": unauthorized (set CENTRAL_LLM_API_KEY or OPENAI_API_KEY?)"
		case 404:
			msg += ": endpoint not found (URL path invalid?)"
		}
		if e.Detail != "" {
			msg += "\n" + e.Detail
		}
		return msg
	case ErrUnreachable:
		return fmt.Sprintf("failed to reach %s: %s", e.URL, e.Detail)
	case ErrBadResponse:
		return fmt.Sprintf("non-JSON response from %s: %s", e.URL, e.Detail)
	case ErrUpstream:
		return fmt.Sprintf("upstream error from %s: %s", e.URL, e.Detail)
	case ErrSubprocess:
		return fmt.Sprintf("local runner failed: %s", e.Detail)
	default:
		return fmt.Sprintf("transport error (%s) from %s: %s", e.Kind, e.URL, e.Detail)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport executes one payload against a runtime and reports the reply.
//
// When stream is true and onChunk is non-nil, onChunk is invoked with
// non-empty chunks in wire order on the calling goroutine; the returned text
// equals the concatenation of every chunk. ok is false when the provider
// produced no content at all.
type Transport interface {
	URL() string
	Send(ctx context.Context, payload Payload, stream bool, onChunk func(string)) (text string, ok bool, err error)
}

// NewTransport selects a transport implementation by URL shape.
// process:// URLs spawn the local runner; everything else goes over HTTP.
func NewTransport(url, apiKey string) Transport {
	if DetectProvider(url) == KindProcess {
		return NewProcessTransport(url)
	}
	return NewHTTPTransport(url, apiKey)
}
