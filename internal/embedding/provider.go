// Package embedding talks to the external embedding provider that turns the
// canonical text of a task or thread into a vector.
package embedding

import (
	"context"
	"fmt"
)

// Embedding is one vector together with the model that produced it. Vectors
// of the same model always have the same length.
type Embedding struct {
	Model  string    `json:"model"`
	Vector []float32 `json:"embedding"`
}

// Provider turns text into an embedding.
type Provider interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, text string) (Embedding, error)

func (f Func) Embed(ctx context.Context, text string) (Embedding, error) {
	return f(ctx, text)
}

// StatusError is returned when the provider answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("embedding provider returned status %d", e.Code)
	}
	return fmt.Sprintf("embedding provider returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
