// Package fetch defines the data model shared by the fetch engine subsystems.
package fetch

import (
	"fmt"
	"net/http"
	"time"
)

// Request captures a single URL to retrieve plus optional header overrides.
// Treat it as immutable once built.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	// Timeout bounds one exchange including the body read. Zero uses the
	// transport's request timeout.
	Timeout time.Duration
}

// NewRequest builds a GET request with a private copy of the headers.
func NewRequest(rawURL string, headers map[string]string) Request {
	return Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: CloneHeaders(headers),
	}
}

// Result is the outcome of one attempt sequence for a URL.
type Result struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Body       any               `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Err        string            `json:"error_message,omitempty"`
	Duration   time.Duration     `json:"crawl_duration"`
	Attempts   int               `json:"attempts"`
	FetchedAt  time.Time         `json:"timestamp"`
}

// NewResult returns an empty result for rawURL stamped with now.
func NewResult(rawURL string, now time.Time) *Result {
	return &Result{URL: rawURL, FetchedAt: now}
}

// Successful reports whether the fetch produced a 2xx status without error.
func (r *Result) Successful() bool {
	if r == nil {
		return false
	}
	return r.Err == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// Fail records err on the result. A nil err is ignored.
func (r *Result) Fail(err error) {
	if err == nil {
		return
	}
	r.Err = err.Error()
}

// String renders a compact one-line summary for logs.
func (r *Result) String() string {
	return fmt.Sprintf("Result{url=%q status=%d successful=%t}", r.URL, r.StatusCode, r.Successful())
}

// ParseFault replaces the body when a response was received but could not be parsed.
type ParseFault struct {
	Error string `json:"parsing_error"`
	Raw   string `json:"raw_response,omitempty"`
}

// IsParseFault reports whether body is a parse-fault marker.
func IsParseFault(body any) bool {
	_, ok := body.(*ParseFault)
	return ok
}

// CloneHeaders copies a header override map. Nil stays nil.
func CloneHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
