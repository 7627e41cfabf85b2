package servicenow

import (
	"fmt"
	"net/http"
	"time"
)

// APIError represents an error response from the ServiceNow Table API
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("servicenow API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if the error is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RetryableError checks if an error should trigger a retry
func RetryableError(err error) bool {
	if err == nil {
		return false
	}

	if apiErr, ok := err.(*APIError); ok {
		return apiErr.IsRateLimitError() || apiErr.StatusCode >= 500
	}

	return false
}

// GetRetryDelay returns the delay before retrying an operation
func GetRetryDelay(attempt int, err error) time.Duration {
	// Rate limit responses carry their own Retry-After value
	if apiErr, ok := err.(*APIError); ok && apiErr.IsRateLimitError() && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	// Otherwise use exponential backoff
	baseDelay := time.Second
	maxDelay := time.Minute * 5

	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
