package loki

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeLoki struct {
	mu       sync.Mutex
	pushes   []pushRequest
	tenant   string
	user     string
	pushCode int
}

func newFakeLoki(t *testing.T) (*fakeLoki, *httptest.Server) {
	t.Helper()
	f := &fakeLoki{pushCode: http.StatusNoContent}
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/loki/api/v1/push", func(w http.ResponseWriter, r *http.Request) {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req pushRequest
		if err := json.NewDecoder(zr).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		user, _, _ := r.BasicAuth()
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		f.tenant = r.Header.Get("X-Scope-OrgID")
		f.user = user
		code := f.pushCode
		f.mu.Unlock()
		w.WriteHeader(code)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestConnectShipsBatchesOnClose(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLoki(t)
	sink, err := Connect(context.Background(), Config{
		URL:           srv.URL + "/loki/api/v1/push",
		BasicAuth:     "tenant:key",
		Tenant:        "team-a",
		Labels:        map[string]string{"app": "items"},
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	require.IsType(t, &Client{}, sink)

	sink.Push(Entry{Time: time.Unix(1, 0), Line: `{"msg":"one"}`})
	sink.Push(Entry{Time: time.Unix(2, 0), Line: `{"msg":"two"}`})
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, []string{`{"msg":"one"}`, `{"msg":"two"}`}, fake.lines())
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, "team-a", fake.tenant)
	require.Equal(t, "tenant", fake.user)
	require.Equal(t, map[string]string{"app": "items"}, fake.pushes[0].Streams[0].Stream)
	require.Equal(t, "1000000000", fake.pushes[0].Streams[0].Values[0][0])
}

func TestClientFlushesWhenBatchFull(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLoki(t)
	client, err := NewClient(Config{
		URL:           srv.URL + "/loki/api/v1/push",
		BatchSize:     2,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer client.Close(context.Background()) //nolint:errcheck

	client.Push(Entry{Time: time.Now(), Line: "a"})
	client.Push(Entry{Time: time.Now(), Line: "b"})

	require.Eventually(t, func() bool { return len(fake.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientCountsPushErrors(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLoki(t)
	fake.mu.Lock()
	fake.pushCode = http.StatusInternalServerError
	fake.mu.Unlock()
	client, err := NewClient(Config{URL: srv.URL + "/loki/api/v1/push", FlushInterval: time.Hour})
	require.NoError(t, err)

	client.Push(Entry{Time: time.Now(), Line: "x"})
	require.NoError(t, client.Close(context.Background()))
	require.Equal(t, int64(1), client.PushErrors())
}

func TestPushAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeLoki(t)
	client, err := NewClient(Config{URL: srv.URL + "/loki/api/v1/push"})
	require.NoError(t, err)
	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	client.Push(Entry{Time: time.Now(), Line: "late"})
	require.Empty(t, fake.lines())
}

func TestConnectFallsBackToNop(t *testing.T) {
	t.Parallel()

	sink, err := Connect(context.Background(), Config{})
	require.ErrorIs(t, err, ErrDisabled)
	require.Equal(t, Nop{}, sink)

	sink, err = Connect(context.Background(), Config{URL: "::not a url"})
	require.Error(t, err)
	require.Equal(t, Nop{}, sink)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	sink, err = Connect(context.Background(), Config{URL: down.URL + "/loki/api/v1/push"})
	require.Error(t, err)
	require.Equal(t, Nop{}, sink)
	require.NoError(t, sink.Close(context.Background()))
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recordingSink) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingSink) Close(context.Context) error { return nil }

func TestCoreEncodesEntries(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	logger := zap.New(NewCore(sink, zapcore.InfoLevel)).With(zap.String("service", "items"))

	logger.Debug("filtered")
	logger.Info("http_request", zap.String("route", "/api/items"), zap.Int("status", 201))

	require.Len(t, sink.entries, 1)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(sink.entries[0].Line), &line))
	require.Equal(t, "http_request", line["msg"])
	require.Equal(t, "info", line["level"])
	require.Equal(t, "items", line["service"])
	require.Equal(t, "/api/items", line["route"])
	require.InDelta(t, 201, line["status"], 0)
}
