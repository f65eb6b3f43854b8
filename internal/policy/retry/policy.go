// Package retry decides whether a fetch attempt should be retried and how long to wait.
package retry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/fetchengine/internal/fetch"
)

// Reason classifies why an attempt is retried.
type Reason string

// Retry reasons used in logs and metrics.
const (
	ReasonNone    Reason = ""
	ReasonStatus  Reason = "status"
	ReasonNetwork Reason = "network"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMultiplier  = 2.0
)

// DefaultRetryableStatus lists the statuses retried when no override is configured.
var DefaultRetryableStatus = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	http.StatusInsufficientStorage,
	http.StatusLoopDetected,
	http.StatusNotExtended,
	http.StatusNetworkAuthenticationRequired,
}

// DefaultRetryableErrors are matched case-insensitively against transport error text.
var DefaultRetryableErrors = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"no route to host",
	"host unreachable",
	"network unreachable",
	"connection timed out",
}

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy is an immutable exponential backoff policy without jitter.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	statuses    map[int]struct{}
	errorTexts  []string
}

// Config lists the recognized policy fields. Zero slices fall back to the defaults.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	Multiplier      float64
	RetryableStatus []int
	RetryableErrors []string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() *Policy {
	p, _ := New(Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
	})
	return p
}

// New validates cfg and builds a Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must be >= 0", ErrInvalidPolicy)
	}
	if cfg.BaseDelay < 0 {
		return nil, fmt.Errorf("%w: base delay must be >= 0", ErrInvalidPolicy)
	}
	if cfg.Multiplier < 1 {
		return nil, fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidPolicy)
	}
	statuses := cfg.RetryableStatus
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatus
	}
	errTexts := cfg.RetryableErrors
	if len(errTexts) == 0 {
		errTexts = DefaultRetryableErrors
	}
	p := &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		multiplier:  cfg.Multiplier,
		statuses:    make(map[int]struct{}, len(statuses)),
		errorTexts:  make([]string, 0, len(errTexts)),
	}
	for _, code := range statuses {
		p.statuses[code] = struct{}{}
	}
	for _, text := range errTexts {
		text = strings.ToLower(strings.TrimSpace(text))
		if text != "" {
			p.errorTexts = append(p.errorTexts, text)
		}
	}
	return p, nil
}

// MaxAttempts is the number of retries allowed after the first attempt.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether attempt (zero based) may be followed by another one.
func (p *Policy) ShouldRetry(res *fetch.Result, attempt int) bool {
	if res == nil || attempt >= p.maxAttempts {
		return false
	}
	return p.Reason(res) != ReasonNone
}

// Reason classifies res. ReasonNone means the outcome is not retryable.
func (p *Policy) Reason(res *fetch.Result) Reason {
	if res == nil {
		return ReasonNone
	}
	if res.StatusCode > 0 && p.RetryableStatus(res.StatusCode) {
		return ReasonStatus
	}
	if res.Err != "" && p.RetryableError(res.Err) {
		return ReasonNetwork
	}
	return ReasonNone
}

// RetryableStatus reports whether code is in the configured set.
func (p *Policy) RetryableStatus(code int) bool {
	_, ok := p.statuses[code]
	return ok
}

// RetryableError reports whether the error text matches a transient network fault.
func (p *Policy) RetryableError(text string) bool {
	lower := strings.ToLower(text)
	for _, needle := range p.errorTexts {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// DelayFor returns baseDelay * multiplier^attempt.
func (p *Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
