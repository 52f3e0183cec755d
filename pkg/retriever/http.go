package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/verityhq/verity/pkg/models"
)

// HTTPSearcher calls a remote vector search service. Transient failures
// (connection errors, 5xx) are retried with exponential backoff; 4xx
// responses fail immediately.
type HTTPSearcher struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// NewHTTPSearcher creates a searcher against the given search service URL.
func NewHTTPSearcher(baseURL string) *HTTPSearcher {
	return &HTTPSearcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

type searchRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Query       string  `json:"query"`
	Threshold   float64 `json:"threshold"`
	Limit       int     `json:"limit"`
}

type searchResponse struct {
	Chunks []models.Chunk `json:"chunks"`
}

// Search implements Searcher.
func (s *HTTPSearcher) Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]models.Chunk, error) {
	payload, err := json.Marshal(searchRequest{
		WorkspaceID: workspaceID,
		Query:       query,
		Threshold:   threshold,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	var chunks []models.Chunk
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err // retryable
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("search service returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return backoff.Permanent(fmt.Errorf("search service returned HTTP %d: %s", resp.StatusCode, body))
		}

		var parsed searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding search response: %w", err))
		}
		chunks = parsed.Chunks
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return chunks, nil
}
