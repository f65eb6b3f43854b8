package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/fetchengine/internal/progress"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

func TestFetchAll_EmitsProgress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	em := &recordingEmitter{}
	e, _ := newTestEngine(t, testConfig(), WithProgress(em))
	results, err := e.FetchAll(context.Background(), []string{srv.URL + "/a", srv.URL + "/gone", "::bad"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	starts := em.byStage(progress.StageBatchStart)
	require.Len(t, starts, 1)
	require.Equal(t, "batch-1", starts[0].BatchID)
	require.Equal(t, 3, starts[0].URLs)
	require.False(t, starts[0].TS.IsZero())

	fetched := em.byStage(progress.StageFetchDone)
	require.Len(t, fetched, 3)
	classes := map[string]progress.StatusClass{}
	for _, evt := range fetched {
		classes[evt.URL] = evt.StatusClass
		require.NoError(t, evt.Validate())
	}
	require.Equal(t, progress.Status2xx, classes[srv.URL+"/a"])
	require.Equal(t, progress.Status4xx, classes[srv.URL+"/gone"])
	require.Equal(t, progress.StatusNone, classes["::bad"])

	done := em.byStage(progress.StageBatchDone)
	require.Len(t, done, 1)
	require.Equal(t, 3, done[0].URLs)
	require.Equal(t, 1, done[0].Succeeded)
}

func TestFetch_RecordsSpan(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, _ := newTestEngine(t, testConfig(), WithTracerProvider(tp))
	res, err := e.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.True(t, res.Successful())

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "fetch GET", span.Name())
	require.Equal(t, codes.Unset, span.Status().Code)
	require.Len(t, span.Events(), 1)
	require.Equal(t, "retry", span.Events()[0].Name)

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	require.Equal(t, srv.URL, attrs["http.url"])
	require.EqualValues(t, 200, attrs["http.status_code"])
	require.EqualValues(t, 2, attrs["fetch.attempts"])
	require.Equal(t, "standard", attrs["fetch.mode"])
}

func TestPostJSON_FailedSpanHasErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, _ := newTestEngine(t, testConfig(), WithTracerProvider(tp))
	_, err := e.PostJSON(context.Background(), srv.URL, []byte(`{}`), nil)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "fetch POST", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "Bad Request", spans[0].Status().Description)
}
