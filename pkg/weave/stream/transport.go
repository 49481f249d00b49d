package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrTransport indicates the upstream rejected or dropped the connection
// before a stream could be established.
var ErrTransport = errors.New("transport error")

// TransportError carries the HTTP detail of a rejected generation request.
type TransportError struct {
	// Status is the HTTP status code, or 0 for network-level failures.
	Status int
	// Body is a truncated copy of the error response body.
	Body string
	// Err is the underlying error for network-level failures.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: upstream returned %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns ErrTransport so errors.Is works across the package boundary.
func (e *TransportError) Unwrap() error {
	return ErrTransport
}

// Request is one generation request issued upstream.
type Request struct {
	// Kind is the generation kind (character, scene, chapter, chat).
	Kind string `json:"kind"`

	// Prompt is the free-form prompt, mutually exclusive with Archetype.
	Prompt string `json:"prompt,omitempty"`

	// Archetype selects a server-side template instead of a prompt.
	Archetype string `json:"archetype,omitempty"`

	// Context carries additional generation context (world facts, prior
	// turns). Opaque to the engine.
	Context map[string]any `json:"context,omitempty"`
}

// Transport opens a push-stream for a generation request.
// Implementations must honor ctx cancellation: cancelling the context tears
// down the connection and causes reads on the returned body to fail.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// HTTPTransport opens generation streams over HTTP.
// A response status outside 2xx maps to a TransportError; the stream body is
// returned unread otherwise.
type HTTPTransport struct {
	baseURL string
	path    string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient sets the underlying http.Client.
// Clients must not set a global timeout; streams are long-lived and are torn
// down via context cancellation instead.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithPath overrides the request path (default "/generate").
func WithPath(path string) HTTPOption {
	return func(t *HTTPTransport) {
		t.path = path
	}
}

// WithTransportLogger sets the logger for request-level logging.
func WithTransportLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewHTTPTransport creates a transport against the given base URL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		path:    "/generate",
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	t.logger.Debug("opening generation stream",
		slog.String("url", t.baseURL+t.path),
		slog.String("kind", req.Kind),
	)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		t.logger.Error("generation request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(detail)),
		)
		return nil, &TransportError{Status: resp.StatusCode, Body: string(detail)}
	}

	return resp.Body, nil
}
