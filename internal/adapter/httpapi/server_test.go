package httpapi_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quakefeed/quakefeed/internal/adapter/httpapi"
	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/fanout"
	"github.com/quakefeed/quakefeed/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEvents struct {
	listResult   []domain.Event
	listErr      error
	listPage     int
	listSize     int
	listCalls    int
	filterResult []domain.Event
	filterErr    error
	lastFilter   domain.Filter
}

func (m *mockEvents) List(_ context.Context, page, size int) ([]domain.Event, error) {
	m.listCalls++
	m.listPage, m.listSize = page, size
	return m.listResult, m.listErr
}

func (m *mockEvents) Filter(_ context.Context, f domain.Filter) ([]domain.Event, error) {
	m.lastFilter = f
	return m.filterResult, m.filterErr
}

type mockSnapshot struct {
	events []domain.Event
	err    error
}

func (m *mockSnapshot) Get(_ context.Context) ([]domain.Event, error) {
	return m.events, m.err
}

type mockDevices struct {
	tokens    []string
	platforms []string
	err       error
}

func (m *mockDevices) Upsert(_ context.Context, token, platform string) error {
	if m.err != nil {
		return m.err
	}
	m.tokens = append(m.tokens, token)
	m.platforms = append(m.platforms, platform)
	return nil
}

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type serverFixture struct {
	events   *mockEvents
	snapshot *mockSnapshot
	devices  *mockDevices
	hub      *fanout.Hub
	metrics  *observability.Metrics
	srv      *httpapi.Server
}

func newServerFixture(t *testing.T, readyErr error) *serverFixture {
	t.Helper()
	f := &serverFixture{
		events:   &mockEvents{},
		snapshot: &mockSnapshot{err: domain.ErrCacheUnavailable},
		devices:  &mockDevices{},
		metrics:  observability.NewMetricsForTesting(),
	}
	f.hub = fanout.NewHub(8, slog.Default(), f.metrics)
	t.Cleanup(f.hub.Close)
	f.srv = httpapi.NewServer(
		":0", f.events, f.snapshot, f.devices, f.hub,
		&mockReadiness{err: readyErr}, time.Hour, 100, slog.Default(),
	)
	return f
}

func get(srv *httpapi.Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := get(f.srv, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := get(f.srv, "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	f := newServerFixture(t, fmt.Errorf("no ingestion cycle has completed yet"))
	rec := get(f.srv, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := get(f.srv, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListQuakes_FirstPageServedFromCache(t *testing.T) {
	f := newServerFixture(t, nil)
	f.snapshot.events = []domain.Event{{ID: "ev-1"}, {ID: "ev-2"}}
	f.snapshot.err = nil

	rec := get(f.srv, "/api/quakes")

	assert.Equal(t, http.StatusOK, rec.Code)
	var events []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
	assert.Zero(t, f.events.listCalls, "cache hit must not touch the store")
}

func TestListQuakes_CacheTruncatedToRequestedSize(t *testing.T) {
	f := newServerFixture(t, nil)
	f.snapshot.events = []domain.Event{{ID: "ev-1"}, {ID: "ev-2"}, {ID: "ev-3"}}
	f.snapshot.err = nil

	rec := get(f.srv, "/api/quakes?size=2")

	var events []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "ev-1", events[0].ID)
}

func TestListQuakes_CacheOutageFallsBackToStore(t *testing.T) {
	f := newServerFixture(t, nil)
	f.events.listResult = []domain.Event{{ID: "ev-1"}}

	rec := get(f.srv, "/api/quakes")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.events.listCalls)
	assert.Equal(t, 0, f.events.listPage)
	assert.Equal(t, 100, f.events.listSize)
}

func TestListQuakes_LaterPagesBypassCache(t *testing.T) {
	f := newServerFixture(t, nil)
	f.snapshot.events = []domain.Event{{ID: "cached"}}
	f.snapshot.err = nil

	rec := get(f.srv, "/api/quakes?page=2&size=50")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.events.listCalls)
	assert.Equal(t, 2, f.events.listPage)
	assert.Equal(t, 50, f.events.listSize)
}

func TestListQuakes_InvalidPagination(t *testing.T) {
	f := newServerFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, get(f.srv, "/api/quakes?page=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(f.srv, "/api/quakes?page=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(f.srv, "/api/quakes?size=0").Code)
}

func TestListQuakes_StoreFailure(t *testing.T) {
	f := newServerFixture(t, nil)
	f.events.listErr = errors.New("db down")

	rec := get(f.srv, "/api/quakes")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFilterQuakes_ParsesAllBounds(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := get(f.srv, "/api/quakes/filter?magMin=4.5&magMax=7&depthMin=10&depthMax=80"+
		"&from=2026-08-01T00:00:00Z&to=2026-09-01T00:00:00Z&place=Oaxaca&page=1&size=25")

	assert.Equal(t, http.StatusOK, rec.Code)

	got := f.events.lastFilter
	require.NotNil(t, got.MagnitudeMin)
	assert.Equal(t, 4.5, *got.MagnitudeMin)
	require.NotNil(t, got.MagnitudeMax)
	assert.Equal(t, 7.0, *got.MagnitudeMax)
	require.NotNil(t, got.DepthMin)
	assert.Equal(t, 10.0, *got.DepthMin)
	require.NotNil(t, got.DepthMax)
	assert.Equal(t, 80.0, *got.DepthMax)
	require.NotNil(t, got.From)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got.From.UTC())
	require.NotNil(t, got.To)
	assert.Equal(t, "Oaxaca", got.Place)
	assert.Equal(t, 1, got.Page)
	assert.Equal(t, 25, got.Size)
}

func TestFilterQuakes_OmittedBoundsStayNil(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := get(f.srv, "/api/quakes/filter?magMin=5")

	assert.Equal(t, http.StatusOK, rec.Code)
	got := f.events.lastFilter
	require.NotNil(t, got.MagnitudeMin)
	assert.Nil(t, got.MagnitudeMax)
	assert.Nil(t, got.DepthMin)
	assert.Nil(t, got.From)
	assert.Empty(t, got.Place)
}

func TestFilterQuakes_InvalidParams(t *testing.T) {
	f := newServerFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, get(f.srv, "/api/quakes/filter?magMin=high").Code)
	assert.Equal(t, http.StatusBadRequest, get(f.srv, "/api/quakes/filter?from=yesterday").Code)
}

func TestRegisterDevice(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"token":"tok-1","platform":"android"}`))

	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.devices.tokens, 1)
	assert.Equal(t, "tok-1", f.devices.tokens[0])
	assert.Equal(t, "android", f.devices.platforms[0])
}

func TestRegisterDevice_MissingToken(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"platform":"android"}`))

	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.devices.tokens)
}

func TestRegisterDevice_MalformedBody(t *testing.T) {
	f := newServerFixture(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices", strings.NewReader("{"))

	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterDevice_StoreFailure(t *testing.T) {
	f := newServerFixture(t, nil)
	f.devices.err = errors.New("db down")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"token":"tok-1"}`))

	f.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStream_DeliversNamedEventFrames(t *testing.T) {
	f := newServerFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/quakes/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.StreamSubscribers) == 1
	}, 5*time.Second, 5*time.Millisecond, "stream handler never subscribed")

	occurred := time.Date(2026, 8, 30, 14, 22, 31, 0, time.UTC)
	f.hub.Broadcast([]domain.Event{{
		ID: "ev-1", OccurredAt: occurred, Magnitude: 5.2, Place: "Oaxaca", Source: "SSN",
	}})

	reader := bufio.NewReader(resp.Body)
	name, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: new-events\n", name)

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var events []domain.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, "Oaxaca", events[0].Place)
}

func TestStream_AutoClosesAfterTimeout(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	hub := fanout.NewHub(8, slog.Default(), metrics)
	t.Cleanup(hub.Close)
	srv := httpapi.NewServer(
		":0", &mockEvents{}, &mockSnapshot{err: domain.ErrCacheUnavailable},
		&mockDevices{}, hub, &mockReadiness{}, 100*time.Millisecond, 100, slog.Default(),
	)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/quakes/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StreamSubscribers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The server ends the stream on its own once the connection lifetime
	// elapses; the client just sees a clean EOF.
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StreamSubscribers) == 0
	}, 5*time.Second, 5*time.Millisecond, "expiry must release the subscription")
}

func TestStream_ClientDisconnectUnsubscribes(t *testing.T) {
	f := newServerFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/quakes/stream")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.StreamSubscribers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	resp.Body.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.StreamSubscribers) == 0
	}, 5*time.Second, 5*time.Millisecond, "disconnect must release the subscription")
}