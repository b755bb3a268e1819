package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/blobstore"
	"github.com/hupe1980/indexshard/metrics"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
)

const shardID = "idx[0]"

type testServer struct {
	shard   *indexshard.IndexShard
	handler http.Handler
}

func newTestServer(t *testing.T, start bool) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	dir := t.TempDir()

	s, err := indexshard.New(shardID, store.New(blobstore.NewMemoryStore()),
		indexshard.WithMetricsObserver(metrics.NewObserver(reg)),
		indexshard.WithTranslog(func(opts *translog.Options) { opts.Path = dir }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background(), "test", false) })

	if start {
		require.NoError(t, s.RecoverFromStore(context.Background()))
		require.NoError(t, s.UpdateRoutingEntry(context.Background(), s.RoutingEntry().MoveToStarted(), false))
	}

	return &testServer{shard: s, handler: NewRouter(s, RouterConfig{Gatherer: reg})}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestRouter_Documents(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(t, http.MethodPut, "/shard/docs/1", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[writeResponse](t, w)
	assert.Equal(t, int64(1), created.Version)

	w = ts.do(t, http.MethodPut, "/shard/docs/1?version=1", `{"title":"b"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(2), decode[writeResponse](t, w).Version)

	w = ts.do(t, http.MethodGet, "/shard/docs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[getResponse](t, w)
	assert.True(t, got.Found)
	assert.JSONEq(t, `{"title":"b"}`, string(got.Source))

	w = ts.do(t, http.MethodDelete, "/shard/docs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[writeResponse](t, w).Found)

	w = ts.do(t, http.MethodGet, "/shard/docs/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_VersionConflict(t *testing.T) {
	ts := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/shard/docs/1", `{}`).Code)

	w := ts.do(t, http.MethodPut, "/shard/docs/1?version=7", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ContentTypeProblemJSON, w.Header().Get("Content-Type"))
	p := decode[Problem](t, w)
	assert.Equal(t, http.StatusConflict, p.Status)
	assert.Contains(t, p.Detail, "version conflict")
}

func TestRouter_BadRequests(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		method, target, body string
	}{
		{http.MethodPut, "/shard/docs/1", `not json`},
		{http.MethodPut, "/shard/docs/1?version=x", `{}`},
		{http.MethodDelete, "/shard/docs/1?version=-1", ``},
		{http.MethodGet, "/shard/docs/1?realtime=maybe", ``},
		{http.MethodPost, "/shard/flush?force=perhaps", ``},
		{http.MethodPut, "/shard/routing", `{"state":"BOGUS"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestRouter_ShardNotStarted(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodPut, "/shard/docs/1", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CREATED", decode[healthResponse](t, w).State)
}

func TestRouter_StatsRefreshFlush(t *testing.T) {
	ts := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/shard/docs/a", `{}`).Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/shard/refresh", "").Code)

	w := ts.do(t, http.MethodPost, "/shard/flush?force=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Positive(t, decode[flushResponse](t, w).Generation)

	w = ts.do(t, http.MethodGet, "/shard", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[indexshard.ShardStats](t, w)
	assert.Equal(t, shardID, stats.ShardID)
	assert.Equal(t, "STARTED", stats.State)
	assert.Zero(t, stats.TranslogOperations)
}

func TestRouter_UpdateRouting(t *testing.T) {
	ts := newTestServer(t, true)

	next := ts.shard.RoutingEntry()
	next.Version += 3
	body, err := json.Marshal(next)
	require.NoError(t, err)

	w := ts.do(t, http.MethodPut, "/shard/routing", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, next.Version, decode[indexshard.RoutingEntry](t, w).Version)

	other := next
	other.ShardID = "idx[9]"
	body, err = json.Marshal(other)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPut, "/shard/routing", string(body)).Code)
}

func TestRouter_ClosedShard(t *testing.T) {
	ts := newTestServer(t, true)
	require.NoError(t, ts.shard.Close(context.Background(), "test", false))

	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[healthResponse](t, w).Status)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPut, "/shard/docs/1", `{}`).Code)
}

func TestRouter_Metrics(t *testing.T) {
	ts := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPut, "/shard/docs/1", `{}`).Code)

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "indexshard_operations_total")
	assert.Contains(t, w.Body.String(), `operation="index"`)
}
