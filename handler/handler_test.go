package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/tabsync/handler"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
)

type fixture struct {
	ts    *httptest.Server
	h     *handler.Handler
	sync  store.Store
	local store.Store
}

func setup(t *testing.T, opts ...handler.Option) *fixture {
	t.Helper()
	f := &fixture{
		sync:  store.NewQuotaStore(store.NewMemoryStore(store.AreaSync), quota.Default(), 0),
		local: store.NewMemoryStore(store.AreaLocal),
	}
	f.h = handler.New(map[string]store.Store{
		store.AreaSync:  f.sync,
		store.AreaLocal: f.local,
	}, opts...)
	f.ts = httptest.NewServer(f.h)
	t.Cleanup(func() {
		f.ts.Close()
		_ = f.h.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(t, body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeJSON[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func TestRootAndHealth(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON[map[string]string](t, resp.Body)["status"])

	resp = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeJSON[map[string]string](t, resp.Body)["status"])

	resp = f.do(t, http.MethodGet, "/areas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"local", "sync"}, decodeJSON[map[string][]string](t, resp.Body)["areas"])

	resp = f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntries(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPut, "/areas/sync/entries", map[string]any{
		"settings":  map[string]string{"tileSize": "large"},
		"tiles_cnt": 2,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/areas/sync/entries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decodeJSON[map[string]json.RawMessage](t, resp.Body)
	assert.Equal(t, `{"tileSize":"large"}`, string(all["settings"]))
	assert.Equal(t, `2`, string(all["tiles_cnt"]))

	resp = f.do(t, http.MethodPost, "/areas/sync/entries/get", store.KeysRequest{Keys: []string{"settings", "missing"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[map[string]json.RawMessage](t, resp.Body)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "settings")

	resp = f.do(t, http.MethodPost, "/areas/sync/entries/remove", store.KeysRequest{Keys: []string{"settings"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/areas/sync/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decodeJSON[handler.UsageResponse](t, resp.Body)
	assert.Equal(t, handler.UsageResponse{Area: "sync", Items: 1, Bytes: len("tiles_cnt") + 1}, usage)

	resp = f.do(t, http.MethodDelete, "/areas/sync/entries", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	all, err := f.sync.GetAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAreasAreIsolated(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPut, "/areas/local/entries", map[string]int{"k": 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	all, err := f.sync.GetAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all)
	all, err = f.local.GetAll(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown area", http.MethodGet, "/areas/managed/entries", "", http.StatusNotFound},
		{"invalid body", http.MethodPut, "/areas/sync/entries", "{", http.StatusBadRequest},
		{"array body", http.MethodPut, "/areas/sync/entries", "[1]", http.StatusBadRequest},
		{"null body", http.MethodPut, "/areas/sync/entries", "null", http.StatusBadRequest},
		{"invalid keys", http.MethodPost, "/areas/sync/entries/get", `{"keys":1}`, http.StatusBadRequest},
		{"bad since", http.MethodGet, "/areas/sync/changes?since=x", "", http.StatusBadRequest},
		{"negative since", http.MethodGet, "/areas/sync/changes?since=-2", "", http.StatusBadRequest},
		{"method not allowed", http.MethodPatch, "/areas/sync/entries", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			e := decodeJSON[store.ErrorResponse](t, resp.Body)
			assert.NotEmpty(t, e.Detail)
		})
	}
}

func TestQuotaErrors(t *testing.T) {
	f := setup(t)

	value := strings.Repeat("x", quota.PerItemLimit)
	resp := f.do(t, http.MethodPut, "/areas/sync/entries", map[string]string{"big": value})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	e := decodeJSON[store.ErrorResponse](t, resp.Body)
	assert.Equal(t, quota.LimitPerItem, e.Limit)
	assert.Equal(t, "big", e.Key)
	assert.Equal(t, quota.PerItemLimit, e.Max)
	assert.Greater(t, e.Size, e.Max)

	// the local area has no quota
	resp = f.do(t, http.MethodPut, "/areas/local/entries", map[string]string{"big": value})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWriteRateIsTooManyRequests(t *testing.T) {
	sync := store.NewQuotaStore(store.NewMemoryStore(store.AreaSync), quota.Default(), 1)
	h := handler.New(map[string]store.Store{store.AreaSync: sync})
	ts := httptest.NewServer(h)
	defer ts.Close()
	defer h.Close()

	put := func(v string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/areas/sync/entries", strings.NewReader(`{"k":`+v+`}`))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put("1")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = put("2")
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, quota.LimitWriteRate, decodeJSON[store.ErrorResponse](t, resp.Body).Limit)
}

func TestChanges(t *testing.T) {
	f := setup(t)

	changes := func(query string) store.ChangesResponse {
		resp := f.do(t, http.MethodGet, "/areas/sync/changes"+query, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeJSON[store.ChangesResponse](t, resp.Body)
	}

	start := changes("")
	assert.Equal(t, int64(0), start.Seq)
	assert.Empty(t, start.Changes)

	resp := f.do(t, http.MethodPut, "/areas/sync/entries", map[string]int{"a": 1}, store.ClientIDHeader, "tab-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/areas/sync/entries/remove", store.KeysRequest{Keys: []string{"a"}}, store.ClientIDHeader, "tab-2")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool { return changes("").Seq == 2 }, 2*time.Second, 10*time.Millisecond)

	got := changes("?since=0")
	require.Len(t, got.Changes, 2)
	assert.False(t, got.Reset)
	assert.Equal(t, int64(1), got.Changes[0].Seq)
	assert.Equal(t, "tab-1", got.Changes[0].Origin)
	assert.Equal(t, store.AreaSync, got.Changes[0].Area)
	assert.Equal(t, `1`, string(got.Changes[0].Changes["a"].NewValue))
	assert.Equal(t, "tab-2", got.Changes[1].Origin)
	assert.Nil(t, got.Changes[1].Changes["a"].NewValue)

	got = changes("?since=1")
	require.Len(t, got.Changes, 1)
	assert.Equal(t, int64(2), got.Changes[0].Seq)

	got = changes("?since=2")
	assert.Empty(t, got.Changes)
	assert.Equal(t, int64(2), got.Seq)

	// a position ahead of the log means the server restarted
	got = changes("?since=10")
	assert.True(t, got.Reset)
	assert.Equal(t, int64(2), got.Seq)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.h.Metrics()[2].(*prometheus.CounterVec).WithLabelValues("sync")))
}

func TestChangelogEviction(t *testing.T) {
	f := setup(t, handler.WithChangelogSize(2))

	for i := 1; i <= 4; i++ {
		resp := f.do(t, http.MethodPut, "/areas/local/entries", map[string]int{"k": i})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	var got store.ChangesResponse
	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/areas/local/changes?since=1", nil)
		got = decodeJSON[store.ChangesResponse](t, resp.Body)
		return got.Seq == 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, got.Reset)
	require.Len(t, got.Changes, 2)
	assert.Equal(t, int64(3), got.Changes[0].Seq)

	resp := f.do(t, http.MethodGet, "/areas/local/changes?since=2", nil)
	got = decodeJSON[store.ChangesResponse](t, resp.Body)
	assert.False(t, got.Reset)
	assert.Len(t, got.Changes, 2)
}

func TestCORS(t *testing.T) {
	f := setup(t, handler.WithAllowedOrigins("chrome-extension://abc"))

	resp := f.do(t, http.MethodOptions, "/areas/sync/entries", nil,
		"Origin", "chrome-extension://abc",
		"Access-Control-Request-Method", http.MethodPut,
		"Access-Control-Request-Headers", "Content-Type, "+store.ClientIDHeader,
	)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chrome-extension://abc", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = f.do(t, http.MethodGet, "/health", nil, "Origin", "https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := setup(t, handler.WithGatherer(reg))
	reg.MustRegister(f.h.Metrics()...)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tabsync_api_requests_total{code="200",method="get",route="/health"} 1`)
}
