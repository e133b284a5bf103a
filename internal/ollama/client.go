package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the native backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backend client. The timeout bounds a whole
// streaming call; generation latency scales with output length so callers
// should pass minutes, not seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChatStream opens a streaming chat call and invokes the callback for each
// NDJSON line. Exactly one chunk carries Done=true with the backend's
// counters; the stream ends there.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, callback StreamCallback) error {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("backend error [%d]: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("backend error [%d]: %s", resp.StatusCode, string(respBody))
	}

	reader := bufio.NewReader(resp.Body)
	var model string
	sawDone := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(bytes.TrimSpace(line)) == 0 {
					if !sawDone {
						return fmt.Errorf("stream ended before terminal chunk")
					}
					return nil
				}
				// Process the trailing line, then fall through to EOF.
			} else {
				return fmt.Errorf("failed to read stream: %w", err)
			}
		}

		if len(bytes.TrimSpace(line)) == 0 {
			if err == io.EOF {
				if !sawDone {
					return fmt.Errorf("stream ended before terminal chunk")
				}
				return nil
			}
			continue
		}

		var response ChatResponse
		if uerr := json.Unmarshal(line, &response); uerr != nil {
			// Skip malformed lines.
			if err == io.EOF {
				if !sawDone {
					return fmt.Errorf("stream ended before terminal chunk")
				}
				return nil
			}
			continue
		}

		if response.Model != "" {
			model = response.Model
		}

		chunk := &StreamChunk{
			Content: response.Message.Content,
			Model:   model,
			Done:    response.Done,
		}
		if response.Done {
			sawDone = true
			chunk.DoneReason = response.DoneReason
			chunk.TotalDuration = response.TotalDuration
			chunk.LoadDuration = response.LoadDuration
			chunk.PromptEvalCount = response.PromptEvalCount
			chunk.PromptEvalDuration = response.PromptEvalDuration
			chunk.EvalCount = response.EvalCount
			chunk.EvalDuration = response.EvalDuration
		}

		if cberr := callback(chunk); cberr != nil {
			return cberr
		}

		if response.Done {
			return nil
		}
		if err == io.EOF {
			return fmt.Errorf("stream ended before terminal chunk")
		}
	}
}

// ListModels retrieves the installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Models, nil
}
