package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HealthCheckQuery tags the health completion in the access log so the idle
// watchdog can tell it apart from client traffic.
const HealthCheckQuery = "llmvm_check=1"

// Prober checks the OpenAI-compatible endpoints vLLM exposes.
type Prober struct {
	client  *http.Client
	baseURL string
	model   string
}

// NewProber probes baseURL for served model name model.
func NewProber(client *http.Client, baseURL, model string) *Prober {
	return &Prober{client: client, baseURL: strings.TrimRight(baseURL, "/"), model: model}
}

// ServiceUp succeeds when /v1/models lists the served model.
func (p *Prober) ServiceUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models endpoint returned %s", resp.Status)
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return fmt.Errorf("failed to decode models: %w", err)
	}
	for _, m := range models.Data {
		if m.ID == p.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not served yet", p.model)
}

// Complete sends a one-token completion to prove the model actually runs.
func (p *Prober) Complete(ctx context.Context) error {
	body, err := json.Marshal(map[string]interface{}{
		"model":      p.model,
		"prompt":     "test",
		"max_tokens": 1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/completions?"+HealthCheckQuery, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("completion returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}
