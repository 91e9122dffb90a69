package llm

import (
	"context"
	"errors"
)

// Client abstracts the inference endpoint used by every pipeline stage.
// Implementations must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single prompt with optional inline images.
type Request struct {
	Model  string
	Prompt string
	Images []Image
}

// Image is raw image bytes plus their MIME type.
type Image struct {
	MIMEType string
	Data     []byte
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is used when no API credentials are configured.
type PlaceholderClient struct{}

// Complete returns ErrNotImplemented.
func (PlaceholderClient) Complete(ctx context.Context, req Request) (string, error) {
	_ = ctx
	_ = req
	return "", ErrNotImplemented
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
