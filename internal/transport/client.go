// Package transport sends HTTP requests over either a standard HTTP/1.1 client
// or a multiplexed HTTP/2 client with a bounded per-host connection pool.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/metrics"
)

// Mode selects the transport used for a request.
type Mode int

const (
	// ModeStandard pins HTTP/1.1.
	ModeStandard Mode = iota
	// ModeMultiplexed negotiates HTTP/2 and shares connections per host.
	ModeMultiplexed
)

func (m Mode) String() string {
	if m == ModeMultiplexed {
		return "multiplexed"
	}
	return "standard"
}

// Default transport settings.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxConnsPerHost = 4
	DefaultMaxIdleConns    = 100
	DefaultIdleConnTimeout = 90 * time.Second
)

// Config holds transport tuning. Zero values use the defaults.
type Config struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxConnsPerHost int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// TLSConfig overrides the client TLS settings, e.g. to trust a private CA.
	TLSConfig *tls.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  DefaultConnectTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		MaxConnsPerHost: DefaultMaxConnsPerHost,
		MaxIdleConns:    DefaultMaxIdleConns,
		IdleConnTimeout: DefaultIdleConnTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = d.IdleConnTimeout
	}
	return c
}

// Response is what came back from the server. BodyErr is set when the status
// arrived but reading the body failed.
type Response struct {
	StatusCode int
	Proto      string
	Headers    map[string]string
	Body       []byte
	BodyErr    error
}

// Client owns one transport per mode. It is safe for concurrent use.
type Client struct {
	cfg         Config
	standard    *http.Client
	multiplexed *http.Client
	logger      *zap.Logger
}

// New builds a Client with both transports configured.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	std := newHTTPTransport(cfg)
	// An empty, non-nil TLSNextProto map disables the HTTP/2 upgrade.
	std.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	mux := newHTTPTransport(cfg)
	mux.MaxConnsPerHost = cfg.MaxConnsPerHost
	mux.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	h2, err := http2.ConfigureTransports(mux)
	if err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	h2.ReadIdleTimeout = cfg.IdleConnTimeout / 3
	h2.PingTimeout = 15 * time.Second

	return &Client{
		cfg:         cfg,
		standard:    &http.Client{Transport: std},
		multiplexed: &http.Client{Transport: mux},
		logger:      logger,
	}, nil
}

func newHTTPTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
	}
	if cfg.TLSConfig != nil {
		t.TLSClientConfig = cfg.TLSConfig.Clone()
	}
	return t
}

// Config returns the effective settings.
func (c *Client) Config() Config {
	return c.cfg
}

// Send performs req over the transport selected by mode. A non-nil error means
// no status was obtained. The exchange is bounded by req.Timeout, or by the
// configured request timeout when that is zero.
func (c *Client) Send(ctx context.Context, req fetch.Request, mode Mode) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.standard
	if mode == ModeMultiplexed {
		client = c.multiplexed
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		metrics.ObserveRequest(req.URL, mode.String(), "network_error", 0, time.Since(start))
		c.logger.Debug("request failed",
			zap.String("url", req.URL),
			zap.String("mode", mode.String()),
			zap.Error(err),
		)
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("send %s %s: request timeout after %s: %w", method, req.URL, timeout, err)
		}
		return nil, fmt.Errorf("send %s %s: %w", method, req.URL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	out := &Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Headers:    JoinHeaders(resp.Header),
	}
	out.Body, out.BodyErr = io.ReadAll(resp.Body)
	if out.BodyErr != nil {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.BodyErr = fmt.Errorf("read body: request timeout after %s: %w", timeout, out.BodyErr)
		} else {
			out.BodyErr = fmt.Errorf("read body: %w", out.BodyErr)
		}
	}

	metrics.ObserveRequest(req.URL, mode.String(), outcome(out), len(out.Body), time.Since(start))
	c.logger.Debug("request completed",
		zap.String("url", req.URL),
		zap.String("mode", mode.String()),
		zap.String("proto", resp.Proto),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(out.Body)),
	)
	return out, nil
}

// CloseIdleConnections releases pooled connections on both transports.
func (c *Client) CloseIdleConnections() {
	c.standard.CloseIdleConnections()
	c.multiplexed.CloseIdleConnections()
}

func outcome(r *Response) string {
	switch {
	case r.BodyErr != nil:
		return "body_error"
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return "success"
	default:
		return "http_error"
	}
}

// JoinHeaders flattens repeated header values with ", ".
func JoinHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// LooksCompressed reports whether body still carries gzip framing, i.e. a
// 0x1F byte that no JSON or text payload contains.
func LooksCompressed(body []byte) bool {
	return bytes.IndexByte(body, 0x1f) >= 0
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
