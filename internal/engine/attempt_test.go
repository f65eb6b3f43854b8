package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/policy/retry"
	"github.com/JakeFAU/fetchengine/internal/pool"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

func TestFetch_ProcessingToggleKeepsRetrySchedule(t *testing.T) {
	t.Parallel()

	for _, processing := range []bool{false, true} {
		t.Run(fmt.Sprintf("processing=%t", processing), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int64
			var lastTimeout atomic.Int64
			sender := newFakeSender(func(req fetch.Request) (*transport.Response, error) {
				lastTimeout.Store(int64(req.Timeout))
				if calls.Add(1) <= 2 {
					return &transport.Response{StatusCode: http.StatusServiceUnavailable}, nil
				}
				return okResponse(), nil
			})
			policy, err := retry.New(retry.Config{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond, Multiplier: 2})
			require.NoError(t, err)

			cfg := testConfig()
			cfg.Processor.Enabled = processing
			// Shorter than the 120ms of backoff, longer than any single attempt.
			cfg.ConcurrentTimeout = 60 * time.Millisecond
			e, err := New(cfg, policy, zap.NewNop(), WithSender(sender), WithIDGenerator(fakeIDs{}))
			require.NoError(t, err)
			t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

			res, err := e.Fetch(context.Background(), "http://a.test/x", nil)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, res.StatusCode)
			require.Equal(t, 3, res.Attempts)
			require.Empty(t, res.Err)
			require.True(t, res.Successful())
			require.Equal(t, map[string]any{"ok": true}, res.Body)

			want := time.Duration(0)
			if processing {
				want = cfg.ConcurrentTimeout
			}
			require.Equal(t, want, time.Duration(lastTimeout.Load()))
		})
	}
}

func TestFetchAll_FatalFaultInMultiplexedGroupReplacesWorker(t *testing.T) {
	t.Parallel()

	var fatal atomic.Bool
	fatal.Store(true)
	sender := newFakeSender(func(fetch.Request) (*transport.Response, error) {
		if fatal.CompareAndSwap(true, false) {
			panic(pool.Fatal(errBoom))
		}
		return okResponse(), nil
	})
	e, _ := newTestEngine(t, testConfig(), WithSender(sender))

	urls := []string{"http://a.test/1", "http://a.test/2"}
	results, err := e.FetchAll(context.Background(), urls, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	failed := 0
	for _, u := range urls {
		require.Equal(t, transport.ModeMultiplexed, sender.modeFor(u))
		if !results[u].Successful() {
			failed++
			require.Contains(t, results[u].Err, "boom")
		}
	}
	require.Equal(t, 1, failed, "the sibling fetch still completes")

	require.Eventually(t, func() bool {
		return e.PoolHealth().WorkersReplaced >= 1
	}, time.Second, 5*time.Millisecond)
	h := e.CheckHealth()
	require.GreaterOrEqual(t, h.CurrentSize, h.TargetSize)

	res, err := e.Fetch(context.Background(), "http://a.test/3", nil)
	require.NoError(t, err)
	require.True(t, res.Successful())
}
