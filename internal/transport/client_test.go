package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
)

func tlsConfigFor(t *testing.T, srv *httptest.Server) *tls.Config {
	t.Helper()
	tr, ok := srv.Client().Transport.(*http.Transport)
	require.True(t, ok)
	return tr.TLSClientConfig
}

func TestSend_StandardModeUsesHTTP1(t *testing.T) {
	t.Parallel()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "fetch-test", r.Header.Get("User-Agent"))
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		_, _ = w.Write([]byte(`{"proto":"` + r.Proto + `"}`))
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	client, err := New(Config{TLSConfig: tlsConfigFor(t, srv)}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.CloseIdleConnections)

	req := fetch.NewRequest(srv.URL, map[string]string{"User-Agent": "fetch-test"})
	resp, err := client.Send(context.Background(), req, ModeStandard)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "HTTP/1.1", resp.Proto)
	require.Equal(t, "a, b", resp.Headers["X-Multi"])
	require.JSONEq(t, `{"proto":"HTTP/1.1"}`, string(resp.Body))
	require.NoError(t, resp.BodyErr)
}

func TestSend_MultiplexedModeNegotiatesHTTP2(t *testing.T) {
	t.Parallel()

	var protos atomic.Int64
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 {
			protos.Add(1)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	client, err := New(Config{TLSConfig: tlsConfigFor(t, srv), MaxConnsPerHost: 2}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.CloseIdleConnections)

	for i := 0; i < 3; i++ {
		resp, err := client.Send(context.Background(), fetch.NewRequest(srv.URL, nil), ModeMultiplexed)
		require.NoError(t, err)
		require.Equal(t, "HTTP/2.0", resp.Proto)
	}
	require.EqualValues(t, 3, protos.Load())
}

func TestSend_PostCarriesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	client, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	req := fetch.Request{
		URL:     srv.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"q":1}`),
	}
	resp, err := client.Send(context.Background(), req, ModeStandard)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSend_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client, err := New(Config{ConnectTimeout: time.Second}, nil)
	require.NoError(t, err)

	resp, err := client.Send(context.Background(), fetch.NewRequest(addr, nil), ModeStandard)
	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "connection refused")
}

func TestSend_BodyReadFailureKeepsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, buf, err := hj.Hijack()
		require.NoError(t, err)
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
		_ = buf.Flush()
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	client, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	resp, err := client.Send(context.Background(), fetch.NewRequest(srv.URL, nil), ModeStandard)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Error(t, resp.BodyErr)
}

func TestSend_RespectsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Send(ctx, fetch.NewRequest(srv.URL, nil), ModeStandard)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestSend_RequestTimeoutOverridesDefault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"slow":true}`))
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{RequestTimeout: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.CloseIdleConnections)

	req := fetch.NewRequest(srv.URL, nil)
	_, err = client.Send(context.Background(), req, ModeStandard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "request timeout")
	require.True(t, IsTimeout(err))

	req.Timeout = 2 * time.Second
	resp, err := client.Send(context.Background(), req, ModeStandard)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"slow":true}`, string(resp.Body))
}

func TestSend_InvalidURL(t *testing.T) {
	t.Parallel()

	client, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), fetch.NewRequest("://bad", nil), ModeStandard)
	require.Error(t, err)
}

func TestLooksCompressed(t *testing.T) {
	t.Parallel()

	require.True(t, LooksCompressed([]byte{0x1f, 0x8b, 0x08}))
	require.False(t, LooksCompressed([]byte(`{"a":1}`)))
	require.False(t, LooksCompressed(nil))
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	require.False(t, IsTimeout(errors.New("boom")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(t, DefaultMaxConnsPerHost, cfg.MaxConnsPerHost)
	require.Equal(t, "multiplexed", ModeMultiplexed.String())
	require.Equal(t, "standard", ModeStandard.String())
}
