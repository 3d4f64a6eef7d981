package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPProvider calls POST {url}/embedding on the embedding sidecar.
type HTTPProvider struct {
	url     string
	model   string
	timeout time.Duration
	client  *http.Client

	mu   sync.Mutex
	dims map[string]int
}

// NewHTTPProvider creates a provider for the sidecar at url. model is sent
// with every request and used when the sidecar does not report one.
func NewHTTPProvider(url, model string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url:     strings.TrimRight(url, "/"),
		model:   model,
		timeout: timeout,
		client:  &http.Client{},
		dims:    make(map[string]int),
	}
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Embed returns the embedding for a given text. Every call runs under the
// configured timeout.
func (c *HTTPProvider) Embed(ctx context.Context, text string) (Embedding, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	requestBody, err := json.Marshal(embedRequest{Text: text, Model: c.model})
	if err != nil {
		return Embedding{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/embedding", bytes.NewBuffer(requestBody))
	if err != nil {
		return Embedding{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Embedding{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Embedding{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Embedding{}, fmt.Errorf("failed to decode response body: %w", err)
	}
	emb, err := c.decode(raw)
	if err != nil {
		return Embedding{}, err
	}
	if err := c.checkDims(emb); err != nil {
		return Embedding{}, err
	}
	return emb, nil
}

// decode accepts {"model": ..., "embedding": [...]} and, from older
// sidecars, a bare array.
func (c *HTTPProvider) decode(raw json.RawMessage) (Embedding, error) {
	var emb Embedding
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &emb.Vector); err != nil {
			return Embedding{}, fmt.Errorf("failed to decode embedding: %w", err)
		}
	} else if err := json.Unmarshal(raw, &emb); err != nil {
		return Embedding{}, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if emb.Model == "" {
		emb.Model = c.model
	}
	if emb.Model == "" {
		return Embedding{}, fmt.Errorf("embedding provider did not report a model")
	}
	if len(emb.Vector) == 0 {
		return Embedding{}, fmt.Errorf("embedding provider returned an empty vector")
	}
	return emb, nil
}

func (c *HTTPProvider) checkDims(emb Embedding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	want, ok := c.dims[emb.Model]
	if !ok {
		c.dims[emb.Model] = len(emb.Vector)
		return nil
	}
	if want != len(emb.Vector) {
		return fmt.Errorf("model %s returned %d dimensions, expected %d", emb.Model, len(emb.Vector), want)
	}
	return nil
}

// Ping checks the sidecar's health endpoint.
func (c *HTTPProvider) Ping(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
