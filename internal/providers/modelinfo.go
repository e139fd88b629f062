package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// modelInfoResponse covers both shapes the probe endpoint is known to
// return: a top-level max_context_length (LM Studio) or a nested
// model_info.context_length.
type modelInfoResponse struct {
	MaxContextLength int `json:"max_context_length"`
	ModelInfo        struct {
		ContextLength int `json:"context_length"`
	} `json:"model_info"`
}

// ModelContextLength asks the endpoint for the model's context window via
// GET {host}/api/v0/models/{id}. Returns 0 with a nil error when the
// endpoint does not expose the probe; callers fall back to configuration.
func (c *Client) ModelContextLength(ctx context.Context, modelID string) (int, error) {
	probeURL := c.host + "/api/v0/models/" + url.PathEscape(modelID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("model info probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var info modelInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("decode model info: %w", err)
	}

	if info.MaxContextLength > 0 {
		return info.MaxContextLength, nil
	}
	return info.ModelInfo.ContextLength, nil
}
