// Package llm is the chat-completion client for the model backend. It speaks
// the OpenAI/OpenRouter request schema over HTTPS, in both buffered and
// SSE-streaming variants.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Message roles accepted by the chat-completion endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat-completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int // 0 = provider default
}

// Chunk is one streamed delta. Exactly one of Delta or Err is meaningful;
// a chunk with Err set is always the last on the channel.
type Chunk struct {
	Delta string
	Err   error
}

// Client calls the model backend. Safe for concurrent use; all per-call
// state lives on the stack.
type Client struct {
	baseURL    string
	apiKey     string
	referer    string
	title      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a model client for an OpenRouter-compatible endpoint.
// referer and title populate the attribution headers the backend requires.
func NewClient(baseURL, apiKey, referer, title string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		referer: referer,
		title:   title,
		// No overall client timeout: streaming responses stay open for the
		// duration of the generation. Callers bound calls via ctx.
		httpClient: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "model-backend",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Model backend circuit state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete performs a buffered chat completion and returns the full
// assistant content.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", newHTTPError(resp.StatusCode, body)
	}
	if len(parsed.Choices) == 0 {
		return "", newHTTPError(resp.StatusCode, body)
	}
	return parsed.Choices[0].Message.Content, nil
}

// CompleteStream performs a streaming chat completion. The returned channel
// yields content deltas in order and is closed when the stream ends; on
// failure the final chunk carries the error, and every delta produced before
// the failure has already been delivered. Consumers must drain the channel
// until it closes. Cancelling ctx terminates the stream immediately without
// waiting for the remote to close.
func (c *Client) CompleteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk, 32)
	go func() {
		defer close(chunks)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue // keep-alive comment or frame separator
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				chunks <- Chunk{Err: &TransportError{
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("malformed SSE frame: %q", truncateLine(line)),
				}}
				return
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var frame chatStreamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				chunks <- Chunk{Err: &TransportError{
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("malformed SSE payload: %w", err),
				}}
				return
			}
			if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
				continue
			}
			if !c.emit(ctx, chunks, Chunk{Delta: frame.Choices[0].Delta.Content}) {
				return
			}
		}

		// Scanner stopped without [DONE]: either the context was cancelled or
		// the connection dropped mid-stream. Error chunks use a plain send —
		// the channel contract requires consumers to drain until close.
		if ctx.Err() != nil {
			chunks <- Chunk{Err: ctx.Err()}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		chunks <- Chunk{Err: &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("stream interrupted: %w", err),
		}}
	}()

	return chunks, nil
}

// Collect drains a stream into its concatenation. On failure it returns the
// content accumulated up to the error point alongside the error, so callers
// can surface partial progress.
func Collect(chunks <-chan Chunk) (string, error) {
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Delta)
	}
	return sb.String(), nil
}

// emit sends a chunk unless the context is done. Reports whether the send
// happened.
func (c *Client) emit(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// post issues the chat-completion request through the circuit breaker and
// returns a response guaranteed to have a 2xx status.
func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("HTTP-Referer", c.referer)
		httpReq.Header.Set("X-Title", c.title)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
			_ = resp.Body.Close()
			return nil, newHTTPError(resp.StatusCode, body)
		}
		return resp, nil
	})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	return result.(*http.Response), nil
}

func truncateLine(s string) string {
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}
