// Package provider defines the uniform contract between the triage core
// and the external reasoning services that analyze submitted content.
//
// An Adapter wraps exactly one upstream service and is responsible only
// for transport and raw-shape decoding. Retries, fallback ordering, and
// business validation live in the router and normalizer.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Modality is the kind of submitted content.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// ErrorKind classifies adapter failures so the router can decide
// between retry, fallback, and hard skip.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is the failure type returned by all adapters.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s (status %d)", e.Provider, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an adapter error.
// Unclassified errors report KindUnavailable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// KindForStatus maps an upstream HTTP status to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	default:
		return KindMalformed
	}
}

// Request is the payload handed to an adapter for one analysis call.
// Text carries the message (or transcript) for text analysis; Media
// carries raw image or audio bytes.
type Request struct {
	Modality Modality
	Text     string
	Media    []byte
	MimeType string
	Timeout  time.Duration
}

// Adapter is the capability interface implemented once per upstream
// reasoning service. Analyze returns the raw JSON produced by the
// service with only shape-level decoding applied.
type Adapter interface {
	Name() string
	Analyze(ctx context.Context, req *Request) (json.RawMessage, error)
}

// Registry holds the configured adapters, keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, keyed by its Name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
