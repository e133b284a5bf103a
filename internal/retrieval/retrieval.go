// Package retrieval consumes the document retrieval collaborator and shapes
// its snippets into the backend-facing prompt.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Retriever returns relevant text snippets for a query, scoped to a session.
type Retriever interface {
	Query(ctx context.Context, text, sessionID string) ([]string, error)
}

// HTTPRetriever queries a retrieval service over HTTP.
type HTTPRetriever struct {
	baseURL    string
	topK       int
	httpClient *http.Client
}

// NewHTTPRetriever creates a retriever against the given service.
func NewHTTPRetriever(baseURL string, topK int, timeout time.Duration) *HTTPRetriever {
	return &HTTPRetriever{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		topK:    topK,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

type queryResponse struct {
	Snippets []string `json:"snippets"`
}

// Query posts the search to the retrieval service and returns the ordered
// snippet list. Callers treat any error as zero snippets.
func (r *HTTPRetriever) Query(ctx context.Context, text, sessionID string) ([]string, error) {
	body, err := json.Marshal(queryRequest{Query: text, SessionID: sessionID, TopK: r.topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Snippets, nil
}
