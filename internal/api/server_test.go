package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/runner"
	"github.com/JakeFAU/source-crawler/internal/storage/memory"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu      sync.Mutex
	sources []crawler.Source
	ran     []string
	done    chan string
	err     error
}

func newFakeRunner(ids ...string) *fakeRunner {
	r := &fakeRunner{done: make(chan string, 8)}
	for _, id := range ids {
		r.sources = append(r.sources, crawler.Source{ID: id, Name: strings.ToUpper(id), BaseURL: "https://example.com/" + id})
	}
	return r
}

func (r *fakeRunner) Sources() []crawler.Source { return r.sources }

func (r *fakeRunner) Source(id string) (crawler.Source, bool) {
	for _, s := range r.sources {
		if s.ID == id {
			return s, true
		}
	}
	return crawler.Source{}, false
}

func (r *fakeRunner) RunSingle(_ context.Context, sourceID string) (runner.Result, error) {
	r.mu.Lock()
	r.ran = append(r.ran, sourceID)
	r.mu.Unlock()
	r.done <- sourceID
	return runner.Result{SourceID: sourceID, Outcome: runner.OutcomeSucceeded}, r.err
}

type failingStore struct {
	*memory.Store
}

func (failingStore) UpsertSchedule(context.Context, crawler.ScheduleConfig) error {
	return errors.New("table unavailable")
}

func (failingStore) GetState(context.Context, string) (*crawler.SourceState, error) {
	return nil, errors.New("table unavailable")
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeRunner, *memory.Store) {
	t.Helper()
	r := newFakeRunner("bls", "fred")
	store := memory.NewStore(system.NewManual(fixedNow))
	srv := NewServer(r, store, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, r, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRunNowFromQuery(t *testing.T) {
	t.Parallel()
	srv, r, _ := newTestServer(t, Config{})

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/crawl/run-now?sourceId=bls", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, map[string]any{"status": "accepted", "sourceId": "bls"}, decode(t, rec))

	select {
	case id := <-r.done:
		require.Equal(t, "bls", id)
	case <-time.After(time.Second):
		t.Fatal("background run never started")
	}
}

func TestRunNowFromBody(t *testing.T) {
	t.Parallel()
	srv, r, _ := newTestServer(t, Config{})

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/crawl/run-now", `{"sourceId":"fred"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "fred", <-r.done)
}

func TestRunNowRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   string
	}{
		{name: "missing", target: "/admin/crawl/run-now", status: http.StatusBadRequest, code: "missing_sourceId"},
		{name: "blank body field", target: "/admin/crawl/run-now", body: `{"sourceId":"  "}`, status: http.StatusBadRequest, code: "missing_sourceId"},
		{name: "bad json", target: "/admin/crawl/run-now", body: `{`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "unknown source", target: "/admin/crawl/run-now?sourceId=nope", status: http.StatusNotFound, code: "unknown_source"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, r, _ := newTestServer(t, Config{})
			rec := do(t, srv.Handler(), http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.code, decode(t, rec)["error"])
			require.Empty(t, r.ran)
		})
	}
}

func TestUpsertSchedule(t *testing.T) {
	t.Parallel()
	srv, _, store := newTestServer(t, Config{})

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/schedule",
		`{"sourceId":"bls","enabled":true,"allowedStartHourUtc":22,"allowedEndHourUtc":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{
		"status":              "ok",
		"sourceId":            "bls",
		"enabled":             true,
		"allowedStartHourUtc": float64(22),
		"allowedEndHourUtc":   float64(2),
	}, decode(t, rec))

	cfg, err := store.GetSchedule(context.Background(), "bls")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.True(t, cfg.Enabled)
	require.Equal(t, 22, *cfg.AllowedStartHourUTC)
	require.Equal(t, 2, *cfg.AllowedEndHourUTC)

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/schedule/bls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bls", decode(t, rec)["sourceId"])
}

func TestUpsertScheduleValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "empty body", body: "  ", code: "missing_body"},
		{name: "malformed", body: `{"sourceId":`, code: "invalid_json"},
		{name: "missing enabled", body: `{"sourceId":"bls"}`, code: "invalid_json"},
		{name: "blank source", body: `{"sourceId":" ","enabled":true}`, code: "invalid_sourceId"},
		{name: "start too high", body: `{"sourceId":"bls","enabled":true,"allowedStartHourUtc":24}`, code: "invalid_allowedStartHourUtc"},
		{name: "end negative", body: `{"sourceId":"bls","enabled":false,"allowedEndHourUtc":-1}`, code: "invalid_allowedEndHourUtc"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _, store := newTestServer(t, Config{})
			rec := do(t, srv.Handler(), http.MethodPost, "/admin/schedule", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tt.code, decode(t, rec)["error"])
			cfg, err := store.GetSchedule(context.Background(), "bls")
			require.NoError(t, err)
			require.Nil(t, cfg)
		})
	}
}

func TestStoreFailuresAre500(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("bls")
	srv := NewServer(r, failingStore{memory.NewStore(nil)}, Config{}, zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/schedule", `{"sourceId":"bls","enabled":true}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "store_error", decode(t, rec)["error"])

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/sources/bls/state", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetState(t *testing.T) {
	t.Parallel()
	srv, _, store := newTestServer(t, Config{})

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/sources/bls/state", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode(t, rec)["error"])

	require.NoError(t, store.UpsertError(context.Background(), "bls", errors.New("boom")))
	rec = do(t, srv.Handler(), http.MethodGet, "/admin/sources/bls/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "bls", body["source_id"])
	require.Equal(t, "boom", body["last_error_message"])

	rec = do(t, srv.Handler(), http.MethodGet, "/admin/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["sources"], 2)
}

func TestAPIKeyRequiredOnAdminRoutes(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Config{APIKey: "secret"})

	rec := do(t, srv.Handler(), http.MethodGet, "/admin/sources", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/sources", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestRequestIDAndNotFound(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "not_found", decode(t, rec)["error"])

	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Config{MetricsEnabled: true})

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLambdaHandler(t *testing.T) {
	t.Parallel()
	srv, r, _ := newTestServer(t, Config{})
	handler := srv.LambdaHandler()

	resp, err := handler(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodPost,
		Path:                  "/admin/crawl/run-now",
		QueryStringParameters: map[string]string{"sourceId": "fred"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.JSONEq(t, `{"status":"accepted","sourceId":"fred"}`, resp.Body)
	require.Equal(t, "fred", <-r.done)

	// {"sourceId":"bls","enabled":false}
	resp, err = handler(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/admin/schedule",
		Body:            "eyJzb3VyY2VJZCI6ImJscyIsImVuYWJsZWQiOmZhbHNlfQ==",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", http.Header(resp.MultiValueHeaders).Get("Content-Type"))
	require.JSONEq(t, `{"status":"ok","sourceId":"bls","enabled":false,"allowedStartHourUtc":null,"allowedEndHourUtc":null}`, resp.Body)

	resp, err = handler(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodGet,
		Path:           "/healthz",
		RequestContext: events.APIGatewayProxyRequestContext{RequestID: "gw-req-1"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gw-req-1", http.Header(resp.MultiValueHeaders).Get("X-Request-ID"))

	resp, err = handler(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodDelete, Path: "/admin/unknown"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownWaitsForBackgroundRuns(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("bls")
	srv := NewServer(r, memory.NewStore(nil), Config{}, zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/crawl/run-now?sourceId=bls", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.Equal(t, []string{"bls"}, r.ran)
}

func TestRunNowSyncFinishesBeforeResponding(t *testing.T) {
	t.Parallel()
	r := newFakeRunner("bls")
	srv := NewServer(r, memory.NewStore(nil), Config{SyncRunNow: true}, zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/admin/crawl/run-now?sourceId=bls", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, []string{"bls"}, r.ran)
}
