package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/verity/pkg/models"
)

func TestBuildContextBlock(t *testing.T) {
	t.Run("numbers chunks in order with filenames", func(t *testing.T) {
		block := BuildContextBlock([]models.Chunk{
			{ChunkID: "c1", Content: "Refunds are allowed within 30 days.", DocumentFilename: "policy.pdf"},
			{ChunkID: "c2", Content: "Shipping takes 5 business days.", DocumentFilename: "shipping.md"},
		})
		assert.Equal(t,
			"[1] (policy.pdf)\nRefunds are allowed within 30 days.\n\n---\n\n[2] (shipping.md)\nShipping takes 5 business days.",
			block)
	})

	t.Run("omits filename parens when absent", func(t *testing.T) {
		block := BuildContextBlock([]models.Chunk{{ChunkID: "c1", Content: "orphan chunk"}})
		assert.Equal(t, "[1]\norphan chunk", block)
	})

	t.Run("empty input yields empty block", func(t *testing.T) {
		assert.Equal(t, "", BuildContextBlock(nil))
	})
}

func TestHTTPSearcher(t *testing.T) {
	t.Run("posts query parameters and decodes chunks", func(t *testing.T) {
		var captured searchRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/search", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_ = json.NewEncoder(w).Encode(searchResponse{Chunks: []models.Chunk{
				{ChunkID: "a", Content: "first", DocumentFilename: "a.txt", Score: 0.91},
				{ChunkID: "b", Content: "second", DocumentFilename: "b.txt", Score: 0.48},
			}})
		}))
		defer srv.Close()

		chunks, err := NewHTTPSearcher(srv.URL).Search(context.Background(), "ws-1", "refund policy", 0.3, 15)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "a", chunks[0].ChunkID)
		assert.Equal(t, "b", chunks[1].ChunkID)
		assert.Equal(t, "ws-1", captured.WorkspaceID)
		assert.Equal(t, "refund policy", captured.Query)
		assert.InDelta(t, 0.3, captured.Threshold, 1e-9)
		assert.Equal(t, 15, captured.Limit)
	})

	t.Run("retries transient 5xx then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(searchResponse{Chunks: []models.Chunk{{ChunkID: "a", Content: "ok"}}})
		}))
		defer srv.Close()

		chunks, err := NewHTTPSearcher(srv.URL).Search(context.Background(), "ws-1", "q", 0.3, 5)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry 4xx", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"bad workspace"}`)
		}))
		defer srv.Close()

		_, err := NewHTTPSearcher(srv.URL).Search(context.Background(), "ws-1", "q", 0.3, 5)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 400")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(searchResponse{Chunks: []models.Chunk{}})
		}))
		defer srv.Close()

		chunks, err := NewHTTPSearcher(srv.URL).Search(context.Background(), "ws-1", "nothing here", 0.3, 15)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})
}
