// Package hfhub reads model metadata from the Hugging Face Hub.
package hfhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the public Hub.
const DefaultBaseURL = "https://huggingface.co"

// ErrNoContextLength means the model config names no position limit.
var ErrNoContextLength = errors.New("model config has no context length")

// lengthKeys are the config fields vLLM reads a context limit from. The
// smallest one present wins.
var lengthKeys = []string{
	"max_position_embeddings",
	"n_positions",
	"max_seq_len",
	"seq_length",
	"model_max_length",
	"max_target_positions",
	"max_sequence_length",
	"max_seq_length",
	"seq_len",
}

// Client fetches config.json for a model repository.
type Client struct {
	r *resty.Client
}

// Options configures a Client. Zero values use the public Hub.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	r := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(base, "/")).
		SetHeader("User-Agent", "llmvm")
	if opts.Token != "" {
		r.SetAuthToken(opts.Token)
	}
	return &Client{r: r}
}

// StatusError is a non-2xx answer from the Hub.
type StatusError struct {
	Model      string
	StatusCode int
}

func (e *StatusError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("hub: %s is gated or private (HTTP %d); set HF_TOKEN", e.Model, e.StatusCode)
	case http.StatusNotFound:
		return fmt.Sprintf("hub: model %s not found", e.Model)
	}
	return fmt.Sprintf("hub: config for %s returned HTTP %d", e.Model, e.StatusCode)
}

// Config returns the decoded config.json of modelID.
func (c *Client) Config(ctx context.Context, modelID string) (map[string]interface{}, error) {
	resp, err := c.r.R().
		SetContext(ctx).
		SetRawPathParam("model", modelID).
		Get("/{model}/resolve/main/config.json")
	if err != nil {
		return nil, fmt.Errorf("hub: failed to fetch config for %s: %w", modelID, err)
	}
	if resp.IsError() {
		return nil, &StatusError{Model: modelID, StatusCode: resp.StatusCode()}
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &cfg); err != nil {
		return nil, fmt.Errorf("hub: config for %s is not JSON: %w", modelID, err)
	}
	return cfg, nil
}

// ContextLength returns the longest sequence modelID supports.
func (c *Client) ContextLength(ctx context.Context, modelID string) (int, error) {
	cfg, err := c.Config(ctx, modelID)
	if err != nil {
		return 0, err
	}
	n := contextLength(cfg)
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoContextLength, modelID)
	}
	return n, nil
}

// contextLength mirrors how vLLM derives max_model_len: the smallest length
// field, scaled by rope_scaling for the rope types that extend it. Multimodal
// configs keep these fields under text_config.
func contextLength(cfg map[string]interface{}) int {
	if text, ok := cfg["text_config"].(map[string]interface{}); ok {
		if n := contextLength(text); n > 0 {
			return n
		}
	}
	best := 0
	for _, key := range lengthKeys {
		v, ok := cfg[key].(float64)
		if !ok || v <= 0 {
			continue
		}
		if best == 0 || int(v) < best {
			best = int(v)
		}
	}
	if best == 0 {
		return 0
	}
	rope, ok := cfg["rope_scaling"].(map[string]interface{})
	if !ok {
		return best
	}
	kind, _ := rope["rope_type"].(string)
	if kind == "" {
		kind, _ = rope["type"].(string)
	}
	switch kind {
	case "su", "longrope", "llama3":
		return best
	}
	if factor, ok := rope["factor"].(float64); ok && factor > 1 {
		if orig, ok := rope["original_max_position_embeddings"].(float64); ok && kind == "yarn" {
			best = int(orig)
		}
		best = int(float64(best) * factor)
	}
	return best
}
