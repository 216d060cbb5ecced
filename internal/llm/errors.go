package llm

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/insight-engine/backend/pkg/circuitbreaker"
)

var (
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrLLMTimeout           = errors.New("llm timeout")
	ErrLLMMalformedResponse = errors.New("llm malformed response")
)

// IsTransient reports failures worth one more attempt: timeouts, rate
// limiting and server errors. An open breaker is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrLLMTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if status := statusCode(err); status != 0 {
		return status == http.StatusTooManyRequests || status >= 500
	}
	return errors.Is(err, ErrLLMUnavailable)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// reason maps an error to the label used in logs, metrics and drafts.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrLLMMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrLLMTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
