package llm

import "fmt"

// maxBodyExcerpt bounds how much of an error response body is carried in a
// TransportError. Enough to diagnose, small enough to log.
const maxBodyExcerpt = 512

// TransportError reports a failed model call: connection failures, non-2xx
// responses, and malformed SSE frames. StatusCode is 0 when no HTTP response
// was received.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model transport error: HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("model transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newHTTPError(status int, body []byte) *TransportError {
	excerpt := string(body)
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt]
	}
	return &TransportError{StatusCode: status, Body: excerpt}
}
