package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/pool"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

// fakeSender answers from a function and records the modes it was called with.
type fakeSender struct {
	mu    sync.Mutex
	modes map[string]transport.Mode
	fn    func(req fetch.Request) (*transport.Response, error)
}

func newFakeSender(fn func(req fetch.Request) (*transport.Response, error)) *fakeSender {
	return &fakeSender{modes: make(map[string]transport.Mode), fn: fn}
}

func (s *fakeSender) Send(_ context.Context, req fetch.Request, mode transport.Mode) (*transport.Response, error) {
	s.mu.Lock()
	s.modes[req.URL] = mode
	s.mu.Unlock()
	return s.fn(req)
}

func (s *fakeSender) modeFor(url string) transport.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[url]
}

func okResponse() *transport.Response {
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}
}

func TestFetchAll_PanicInSequentialHostTask(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(req fetch.Request) (*transport.Response, error) {
		if strings.HasSuffix(req.URL, "/boom") {
			panic(errBoom)
		}
		return okResponse(), nil
	})
	cfg := testConfig()
	cfg.Multiplexing = false
	e, _ := newTestEngine(t, cfg, WithSender(sender))

	urls := []string{"http://a.test/1", "http://a.test/boom", "http://a.test/3", "http://b.test/1"}
	results, err := e.FetchAll(context.Background(), urls, nil)
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.True(t, results["http://a.test/1"].Successful())
	require.Contains(t, results["http://a.test/boom"].Err, "host task failed: boom")
	require.Contains(t, results["http://a.test/3"].Err, "host task failed")
	require.True(t, results["http://b.test/1"].Successful(), "other hosts are unaffected")
	require.Equal(t, transport.ModeStandard, sender.modeFor("http://a.test/1"))
	require.Zero(t, e.PoolHealth().WorkersReplaced)
}

func TestFetchAll_PanicInMultiplexedFetch(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(req fetch.Request) (*transport.Response, error) {
		if strings.HasSuffix(req.URL, "/boom") {
			panic("unexpected")
		}
		return okResponse(), nil
	})
	e, _ := newTestEngine(t, testConfig(), WithSender(sender))

	urls := []string{"http://a.test/1", "http://a.test/boom", "http://a.test/3"}
	results, err := e.FetchAll(context.Background(), urls, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results["http://a.test/1"].Successful())
	require.True(t, results["http://a.test/3"].Successful())
	require.Contains(t, results["http://a.test/boom"].Err, "fetch failed")
	require.Equal(t, transport.ModeMultiplexed, sender.modeFor("http://a.test/1"))
}

func TestFetchAll_FatalFaultReplacesWorker(t *testing.T) {
	t.Parallel()

	var fatal atomic.Bool
	fatal.Store(true)
	sender := newFakeSender(func(fetch.Request) (*transport.Response, error) {
		if fatal.CompareAndSwap(true, false) {
			panic(pool.Fatal(errBoom))
		}
		return okResponse(), nil
	})
	cfg := testConfig()
	cfg.Multiplexing = false
	e, _ := newTestEngine(t, cfg, WithSender(sender))

	res, err := e.Fetch(context.Background(), "http://a.test/1", nil)
	require.NoError(t, err)
	require.Contains(t, res.Err, "boom")

	require.Eventually(t, func() bool {
		return e.PoolHealth().WorkersReplaced >= 1
	}, time.Second, 5*time.Millisecond)
	h := e.CheckHealth()
	require.GreaterOrEqual(t, h.CurrentSize, h.TargetSize)

	res, err = e.Fetch(context.Background(), "http://a.test/2", nil)
	require.NoError(t, err)
	require.True(t, res.Successful())
}

func TestFetchAll_PoolUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sender := newFakeSender(func(req fetch.Request) (*transport.Response, error) {
		if strings.HasSuffix(req.URL, "/block") {
			<-release
		}
		return okResponse(), nil
	})
	cfg := testConfig()
	cfg.Pool = pool.Config{Workers: 1, QueueSize: 1, OverflowLimit: 1}
	e, _ := newTestEngine(t, cfg, WithSender(sender))

	var wg sync.WaitGroup
	for i, host := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.FetchAll(context.Background(), []string{"http://" + host + ".test/block"}, nil)
		}()
		switch i {
		case 0:
			require.Eventually(t, func() bool { return e.PoolHealth().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)
		case 1:
			require.Eventually(t, func() bool { return e.PoolHealth().QueueDepth == 1 }, time.Second, 5*time.Millisecond)
		case 2:
			require.Eventually(t, func() bool { return e.PoolHealth().WorkersReplaced == 1 }, time.Second, 5*time.Millisecond)
		}
	}

	_, err := e.FetchAll(context.Background(), []string{"http://d.test/1"}, nil)
	require.ErrorIs(t, err, ErrPoolUnavailable)
	require.ErrorIs(t, err, pool.ErrRejected)

	close(release)
	wg.Wait()
}

func TestFetch_BodyReadFailure(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(fetch.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, BodyErr: errBoom}, nil
	})
	e, pauser := newTestEngine(t, testConfig(), WithSender(sender))

	res, err := e.Fetch(context.Background(), "http://a.test/x", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "boom", res.Err)
	require.False(t, res.Successful())
	require.Nil(t, res.Body)
	require.Empty(t, pauser.waits())
}
