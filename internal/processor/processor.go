// Package processor turns response bodies into JSON trees, offloading large
// bodies to a dedicated pool of parser goroutines.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/metrics"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

var (
	// ErrClosed is returned when work is handed to a closed processor pool.
	ErrClosed = errors.New("processor: closed")
	// ErrQueueFull is returned when the parser queue has no room.
	ErrQueueFull = errors.New("processor: queue full")
)

// Default processor settings.
const (
	DefaultThreshold   = 10000
	DefaultQueueSize   = 256
	DefaultWaitTimeout = 10 * time.Second

	rawLimit           = 500
	compressedRawLimit = 200
	compressedMessage  = "response appears to be compressed (gzip/deflate) but was not decompressed"
)

// Config controls when and where parsing happens.
type Config struct {
	// Enabled routes bodies larger than Threshold to the pool.
	Enabled     bool
	Threshold   int
	Workers     int
	QueueSize   int
	WaitTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Threshold:   DefaultThreshold,
		Workers:     DefaultWorkers(),
		QueueSize:   DefaultQueueSize,
		WaitTimeout: DefaultWaitTimeout,
	}
}

// DefaultWorkers is max(2, NumCPU).
func DefaultWorkers() int {
	return max(2, runtime.NumCPU())
}

type job struct {
	body []byte
	out  chan parsed
}

type parsed struct {
	value any
	err   error
}

// Processor parses bodies inline or on its worker pool. Safe for concurrent use.
type Processor struct {
	cfg    Config
	logger *zap.Logger

	jobs chan job
	mu   sync.RWMutex
	// closed guards sends on jobs.
	closed    bool
	closeOnce sync.Once
	workers   sync.WaitGroup
	done      chan struct{}

	offloaded atomic.Int64
}

// New starts the parser pool when cfg.Enabled is set.
func New(cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	p := &Processor{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan job, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if cfg.Enabled {
		for i := 0; i < cfg.Workers; i++ {
			p.workers.Add(1)
			go p.worker()
		}
	}
	go func() {
		p.workers.Wait()
		close(p.done)
	}()
	return p
}

func (p *Processor) worker() {
	defer p.workers.Done()
	for j := range p.jobs {
		v, err := decode(j.body)
		p.offloaded.Add(1)
		j.out <- parsed{value: v, err: err}
	}
}

// Parse decodes body into a JSON tree. On failure the returned value is a
// *fetch.ParseFault describing the problem, together with the error.
// Whitespace-only bodies yield nil.
func (p *Processor) Parse(ctx context.Context, body []byte) (any, error) {
	if v, done, err := p.precheck(body); done {
		return v, err
	}
	if p.cfg.Enabled && len(body) > p.cfg.Threshold {
		if res, ok := p.offload(ctx, body); ok {
			metrics.ObserveParse("pooled")
			return wrap(res.value, res.err, body)
		}
	}
	return p.inline(body)
}

// ParseInline is Parse without the pool, for callers that need the result on
// their own goroutine.
func (p *Processor) ParseInline(body []byte) (any, error) {
	if v, done, err := p.precheck(body); done {
		return v, err
	}
	return p.inline(body)
}

func (p *Processor) inline(body []byte) (any, error) {
	metrics.ObserveParse("inline")
	v, err := decode(body)
	return wrap(v, err, body)
}

func (p *Processor) precheck(body []byte) (any, bool, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, true, nil
	}
	if transport.LooksCompressed(body) {
		p.logger.Error("response body still compressed", zap.Int("bytes", len(body)))
		return &fetch.ParseFault{
			Error: compressedMessage,
			Raw:   truncate(body, compressedRawLimit, false),
		}, true, errors.New(compressedMessage)
	}
	return nil, false, nil
}

// offload runs decode on the pool. ok is false when the caller should parse
// inline instead.
func (p *Processor) offload(ctx context.Context, body []byte) (parsed, bool) {
	out := make(chan parsed, 1)
	if err := p.enqueue(job{body: body, out: out}); err != nil {
		cause := "queue_full"
		if errors.Is(err, ErrClosed) {
			cause = "closed"
		}
		metrics.ObserveParseFallback(cause)
		p.logger.Warn("parallel parse unavailable, parsing inline", zap.Error(err))
		return parsed{}, false
	}

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case res := <-out:
		return res, true
	case <-timer.C:
		metrics.ObserveParseFallback("timeout")
		p.logger.Warn("parallel parse timed out, parsing inline", zap.Duration("wait", p.cfg.WaitTimeout))
	case <-ctx.Done():
		metrics.ObserveParseFallback("cancelled")
	}
	return parsed{}, false
}

func (p *Processor) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || !p.cfg.Enabled {
		return ErrClosed
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func decode(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

func wrap(v any, err error, body []byte) (any, error) {
	if err == nil {
		return v, nil
	}
	return &fetch.ParseFault{Error: err.Error(), Raw: truncate(body, rawLimit, true)}, err
}

// truncate keeps the first limit characters of body. Invalid bytes count as
// one character each, so binary bodies are cut at the same offset.
func truncate(body []byte, limit int, counted bool) string {
	s := string(body)
	cut := 0
	for n := 0; n < limit && cut < len(s); n++ {
		_, w := utf8.DecodeRuneInString(s[cut:])
		cut += w
	}
	if cut == len(s) {
		if counted {
			return s
		}
		return s + "...[truncated]"
	}
	if counted {
		return fmt.Sprintf("%s...[truncated %d chars]", s[:cut], utf8.RuneCountInString(s[cut:]))
	}
	return s[:cut] + "...[truncated]"
}

// Offloaded counts parses executed on the pool.
func (p *Processor) Offloaded() int64 {
	return p.offloaded.Load()
}

// Close stops accepting pooled work and waits for in-flight parses or ctx.
func (p *Processor) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close processor: %w", ctx.Err())
	}
}
