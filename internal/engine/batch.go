package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/progress"
	"github.com/JakeFAU/fetchengine/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchengine/internal/pool"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

// HostBatch maps a host to its URLs in input order.
type HostBatch struct {
	Hosts []string
	URLs  map[string][]string
}

// GroupByHost buckets urls by host. Duplicates collapse and URLs without a
// usable host land in the ratelimit.UnknownHost group.
func GroupByHost(urls []string) HostBatch {
	b := HostBatch{URLs: make(map[string][]string)}
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		host := ratelimit.HostOf(u)
		if _, ok := b.URLs[host]; !ok {
			b.Hosts = append(b.Hosts, host)
		}
		b.URLs[host] = append(b.URLs[host], u)
	}
	return b
}

// resultSet collects results from concurrent host tasks. Writes after seal
// are dropped so late tasks cannot mutate a returned map.
type resultSet struct {
	mu      sync.Mutex
	results map[string]*fetch.Result
	sealed  bool
}

func newResultSet(n int) *resultSet {
	return &resultSet{results: make(map[string]*fetch.Result, n)}
}

// put stores res and reports whether it was accepted.
func (s *resultSet) put(res *fetch.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.results[res.URL] = res
	return true
}

func (s *resultSet) has(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[url]
	return ok
}

// fillMissing records a failure for every url that has no result yet and
// returns the results it added.
func (s *resultSet) fillMissing(urls []string, build func(url string) *fetch.Result) []*fetch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	var added []*fetch.Result
	for _, u := range urls {
		if _, ok := s.results[u]; !ok {
			res := build(u)
			s.results[u] = res
			added = append(added, res)
		}
	}
	return added
}

func (s *resultSet) seal() map[string]*fetch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.results
}

// Fetch retrieves a single URL through the batch path.
func (e *Engine) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*fetch.Result, error) {
	results, err := e.FetchAll(ctx, []string{rawURL}, headers)
	if err != nil {
		return nil, err
	}
	return results[rawURL], nil
}

// batchRun is the state shared by the host tasks of one FetchAll call.
type batchRun struct {
	id      string
	logger  *zap.Logger
	headers map[string]string
	results *resultSet
}

// FetchAll retrieves every URL and returns exactly one result per distinct
// URL. Individual failures are reported in the results; an error is returned
// only when the engine is shut down or no host task could be scheduled.
func (e *Engine) FetchAll(ctx context.Context, urls []string, headers map[string]string) (map[string]*fetch.Result, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}
	batch := GroupByHost(urls)
	if len(batch.Hosts) == 0 {
		return map[string]*fetch.Result{}, nil
	}

	start := time.Now()
	id := e.batchID()
	run := &batchRun{
		id:      id,
		logger:  e.logger.With(zap.String("batch_id", id)),
		headers: fetch.CloneHeaders(headers),
		results: newResultSet(len(urls)),
	}
	run.logger.Info("starting batch",
		zap.Int("urls", len(urls)),
		zap.Int("hosts", len(batch.Hosts)),
	)
	e.emit(progress.Event{BatchID: id, Stage: progress.StageBatchStart, URLs: len(urls)})

	var wg sync.WaitGroup
	var lastErr error
	submitted := 0
	for _, host := range batch.Hosts {
		hostURLs := batch.URLs[host]
		wg.Add(1)
		err := e.pool.Submit(func(poolCtx context.Context) error {
			defer wg.Done()
			taskCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(poolCtx, cancel)
			defer stop()
			return e.runHost(taskCtx, run, host, hostURLs)
		})
		if err != nil {
			wg.Done()
			lastErr = err
			run.logger.Error("host task not scheduled", zap.String("host", host), zap.Error(err))
			e.failMissing(run, host, hostURLs, fmt.Errorf("host task not scheduled: %w", err))
			continue
		}
		submitted++
	}

	if submitted == 0 {
		run.results.seal()
		e.emit(progress.Event{BatchID: id, Stage: progress.StageBatchError, URLs: len(urls), Dur: time.Since(start), Note: lastErr.Error()})
		if errors.Is(lastErr, pool.ErrShuttingDown) {
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("%w: %w", ErrPoolUnavailable, lastErr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		run.logger.Warn("batch abandoned", zap.Error(ctx.Err()))
		for _, host := range batch.Hosts {
			e.failMissing(run, host, batch.URLs[host], ctx.Err())
		}
	}

	results := run.results.seal()
	succeeded := 0
	for _, r := range results {
		if r.Successful() {
			succeeded++
		}
	}
	run.logger.Info("batch complete",
		zap.Int("results", len(results)),
		zap.Int("succeeded", succeeded),
	)
	e.emit(progress.Event{BatchID: id, Stage: progress.StageBatchDone, URLs: len(results), Succeeded: succeeded, Dur: time.Since(start)})
	return results, nil
}

// runHost fetches one host group. A panic fails the URLs that have no result
// yet; fatal panics are re-raised so the pool replaces the worker.
func (e *Engine) runHost(ctx context.Context, run *batchRun, host string, urls []string) (err error) {
	logger := run.logger
	defer func() {
		if r := recover(); r != nil {
			perr := panicError(r)
			logger.Error("host task panicked", zap.String("host", host), zap.Error(perr))
			e.failMissing(run, host, urls, fmt.Errorf("host task failed: %w", perr))
			if errors.Is(perr, pool.ErrFatal) {
				panic(r)
			}
			err = perr
		}
	}()

	if e.cfg.Multiplexing && len(urls) > 1 {
		logger.Debug("multiplexing host group", zap.String("host", host), zap.Int("urls", len(urls)))
		var (
			g         errgroup.Group
			fatalOnce sync.Once
			fatal     any
		)
		g.SetLimit(e.cfg.MaxConnectionsPerHost)
		for _, u := range urls {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						perr := panicError(r)
						logger.Error("fetch panicked", zap.String("url", u), zap.Error(perr))
						e.settle(run, host, e.failure(fmt.Errorf("fetch failed: %w", perr))(u))
						if errors.Is(perr, pool.ErrFatal) {
							fatalOnce.Do(func() { fatal = r })
						}
					}
				}()
				e.settle(run, host, e.fetchOne(ctx, logger, u, run.headers, transport.ModeMultiplexed))
				return nil
			})
		}
		werr := g.Wait()
		// Siblings finish first; the fatal fault then retires this worker.
		if fatal != nil {
			panic(fatal)
		}
		return werr
	}

	for _, u := range urls {
		if run.results.has(u) {
			continue
		}
		e.settle(run, host, e.fetchOne(ctx, logger, u, run.headers, transport.ModeStandard))
	}
	return nil
}

// settle stores res and reports it.
func (e *Engine) settle(run *batchRun, host string, res *fetch.Result) {
	if !run.results.put(res) {
		return
	}
	e.emit(progress.Event{
		BatchID:     run.id,
		Stage:       progress.StageFetchDone,
		Host:        host,
		URL:         res.URL,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Attempts:    res.Attempts,
		Dur:         res.Duration,
		Note:        res.Err,
	})
}

// failMissing records err for every URL of host that has no result yet.
func (e *Engine) failMissing(run *batchRun, host string, urls []string, err error) {
	for _, res := range run.results.fillMissing(urls, e.failure(err)) {
		e.emit(progress.Event{
			BatchID:     run.id,
			Stage:       progress.StageFetchDone,
			Host:        host,
			URL:         res.URL,
			StatusClass: progress.StatusNone,
			Note:        res.Err,
		})
	}
}

func (e *Engine) emit(evt progress.Event) {
	if e.progress == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = e.clock.Now()
	}
	e.progress.Emit(evt)
}

func (e *Engine) failure(err error) func(url string) *fetch.Result {
	return func(url string) *fetch.Result {
		res := fetch.NewResult(url, e.clock.Now())
		res.Fail(err)
		return res
	}
}

func (e *Engine) batchID() string {
	if e.ids == nil {
		return ""
	}
	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Debug("batch id unavailable", zap.Error(err))
		return ""
	}
	return id
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}
