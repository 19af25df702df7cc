// Provides the response writer that reports rate limit state.

package ratelimit

import (
	"net/http"
	"strconv"
)

// WriteHeaders writes the X-RateLimit-* headers, plus Retry-After when the
// request was refused.
func WriteHeaders(w http.ResponseWriter, result Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
	}
}

// headerWriter injects rate limit headers before the first byte is written.
type headerWriter struct {
	http.ResponseWriter
	result  Result
	written bool
}

// NewResponseWriter returns w wrapped so that rate limit headers are added
// to the response.
func NewResponseWriter(w http.ResponseWriter, result Result) http.ResponseWriter {
	return &headerWriter{ResponseWriter: w, result: result}
}

func (hw *headerWriter) inject() {
	if !hw.written {
		WriteHeaders(hw.ResponseWriter, hw.result)
		hw.written = true
	}
}

func (hw *headerWriter) WriteHeader(statusCode int) {
	hw.inject()
	hw.ResponseWriter.WriteHeader(statusCode)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	hw.inject()
	return hw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (hw *headerWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}

// BuildKey creates a rate limit bucket key from scope, identifier, and tier name.
func BuildKey(scope Scope, identifier, tierName string) string {
	prefix := "ip"
	if scope == ScopeUser {
		prefix = "user"
	}
	return prefix + ":" + identifier + ":" + tierName
}
