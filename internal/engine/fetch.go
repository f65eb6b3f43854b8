package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/metrics"
	"github.com/JakeFAU/fetchengine/internal/policy/retry"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

// fetchOne runs the full attempt sequence for a GET and parses the final body.
// With concurrent processing on, each attempt and the final parse get their
// own ConcurrentTimeout; the backoff between attempts is not counted.
func (e *Engine) fetchOne(ctx context.Context, logger *zap.Logger, rawURL string, headers map[string]string, mode transport.Mode) *fetch.Result {
	req := fetch.NewRequest(rawURL, e.mergeHeaders(headers))
	if e.cfg.Processor.Enabled {
		req.Timeout = e.cfg.ConcurrentTimeout
	}
	res, body := e.attemptSequence(ctx, logger, req, mode)
	if body != nil {
		parseCtx := ctx
		if e.cfg.Processor.Enabled {
			var cancel context.CancelFunc
			parseCtx, cancel = context.WithTimeout(ctx, e.cfg.ConcurrentTimeout)
			defer cancel()
		}
		v, err := e.processor.Parse(parseCtx, body)
		if err != nil {
			logger.Warn("failed to parse response", zap.String("url", rawURL), zap.Error(err))
		}
		res.Body = v
	}
	return res
}

// PostJSON sends body as application/json with the same rate limiting and
// retry behaviour as a GET. The response is parsed inline.
func (e *Engine) PostJSON(ctx context.Context, rawURL string, body []byte, headers map[string]string) (*fetch.Result, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}
	merged := e.mergeHeaders(headers)
	merged["Content-Type"] = "application/json"
	req := fetch.Request{
		URL:     rawURL,
		Method:  http.MethodPost,
		Headers: merged,
		Body:    body,
	}
	logger := e.logger.With(zap.String("method", http.MethodPost))
	res, respBody := e.attemptSequence(ctx, logger, req, transport.ModeStandard)
	if respBody != nil {
		v, err := e.processor.ParseInline(respBody)
		if err != nil {
			logger.Warn("failed to parse response", zap.String("url", rawURL), zap.Error(err))
		}
		res.Body = v
	}
	return res, nil
}

// attemptSequence sends req until it succeeds, fails permanently or runs out
// of retries. It returns the last result and its raw body.
func (e *Engine) attemptSequence(ctx context.Context, logger *zap.Logger, req fetch.Request, mode transport.Mode) (*fetch.Result, []byte) {
	start := time.Now()
	res := fetch.NewResult(req.URL, e.clock.Now())
	ctx, span := e.tracer.Start(ctx, "fetch "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(req.Method),
			semconv.HTTPURLKey.String(req.URL),
			attribute.String("fetch.mode", mode.String()),
		),
	)
	defer func() {
		res.Duration = time.Since(start)
		endSpan(span, res)
	}()

	if err := e.interval.Acquire(ctx); err != nil {
		res.Fail(err)
		return res, nil
	}
	if err := e.hosts.Wait(ctx, req.URL); err != nil {
		res.Fail(err)
		return res, nil
	}

	var body []byte
	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			logger.Debug("fetching", zap.String("url", req.URL), zap.String("mode", mode.String()))
		} else {
			logger.Info("retry attempt", zap.String("url", req.URL), zap.Int("attempt", attempt+1))
		}
		body = e.attempt(ctx, req, mode, res)
		res.Attempts = attempt + 1

		if !e.policy.ShouldRetry(res, attempt) {
			e.logOutcome(logger, res, attempt)
			break
		}
		reason := e.policy.Reason(res)
		delay := e.policy.DelayFor(attempt)
		metrics.ObserveRetry(string(reason))
		span.AddEvent("retry", trace.WithAttributes(
			attribute.String("retry.reason", string(reason)),
			attribute.Int64("retry.delay_ms", delay.Milliseconds()),
		))
		logger.Warn("retryable failure, backing off",
			zap.String("url", req.URL),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Err),
			zap.String("reason", string(reason)),
			zap.Duration("delay", delay),
		)
		if err := e.pauser.Pause(ctx, delay); err != nil {
			// The retryable status is not the outcome; only the error is.
			res.StatusCode, res.Headers, res.Body, body = 0, nil, nil, nil
			res.Fail(fmt.Errorf("backoff interrupted: %w", err))
			break
		}
	}
	return res, body
}

// attempt performs one exchange and records it on res, replacing any state
// from a previous attempt.
func (e *Engine) attempt(ctx context.Context, req fetch.Request, mode transport.Mode, res *fetch.Result) []byte {
	res.StatusCode, res.Headers, res.Err, res.Body = 0, nil, "", nil
	resp, err := e.sender.Send(ctx, req, mode)
	if err != nil {
		res.Fail(err)
		return nil
	}
	res.StatusCode = resp.StatusCode
	res.Headers = resp.Headers
	if resp.BodyErr != nil {
		res.Fail(resp.BodyErr)
		return nil
	}
	return resp.Body
}

func endSpan(span trace.Span, res *fetch.Result) {
	span.SetAttributes(attribute.Int("fetch.attempts", res.Attempts))
	if res.StatusCode > 0 {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(res.StatusCode))
	}
	if !res.Successful() {
		msg := res.Err
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

func (e *Engine) logOutcome(logger *zap.Logger, res *fetch.Result, attempt int) {
	switch {
	case res.Successful():
		if attempt > 0 {
			logger.Info("fetched after retries", zap.String("url", res.URL), zap.Int("retries", attempt))
		} else {
			logger.Debug("fetched", zap.String("url", res.URL), zap.Int("status", res.StatusCode))
		}
	case e.policy.Reason(res) != retry.ReasonNone:
		metrics.ObserveRetriesExhausted()
		logger.Error("fetch failed after retries",
			zap.String("url", res.URL),
			zap.Int("attempts", attempt+1),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Err),
		)
	default:
		logger.Warn("fetch failed",
			zap.String("url", res.URL),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Err),
		)
	}
}
