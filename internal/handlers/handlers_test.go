package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardstat-service/internal/cache"
	"guardstat-service/internal/engine"
	"guardstat-service/internal/models"
	"guardstat-service/internal/store"
)

const (
	testDate  = "2020-03-01"
	testStart = int64(1583020800)
)

type testServer struct {
	router http.Handler
	store  *store.SQLiteStore
}

func newTestServer(t *testing.T, redis Pinger) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := engine.New(st, engine.Options{Workers: 2, Location: time.UTC}, nil).
		WithAnomalyLog(engine.NewMemoryAnomalyLog())
	h := NewHandler(eng, st, redis, nil)
	return &testServer{router: NewRouter(h), store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

// ingest загружает день: h1..h3 останавливаются на третьем интервале, h4 нет
func (s *testServer) ingest(t *testing.T) {
	t.Helper()
	var batch models.SamplesBatch
	for _, h := range []string{"h1", "h2", "h3", "h4"} {
		last := int64(20)
		if h == "h4" {
			last = 30
		}
		for i, c := range []int64{0, 10, 20, last} {
			batch.Samples = append(batch.Samples, models.RawSample{Host: h, Events: c, Date: testDate, Epoch: testStart + int64(i)*900})
		}
	}
	rr := s.do(t, http.MethodPost, "/samples/batch", batch)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status models.HealthStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "ok", status.Store)
	assert.Equal(t, "disabled", status.Redis)
}

func TestHealthHandler_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	srv := newTestServer(t, rc)
	var status models.HealthStatus
	require.NoError(t, json.NewDecoder(srv.do(t, http.MethodGet, "/health", nil).Body).Decode(&status))
	assert.Equal(t, "connected", status.Redis)

	mr.Close()
	require.NoError(t, json.NewDecoder(srv.do(t, http.MethodGet, "/health", nil).Body).Decode(&status))
	assert.Equal(t, "disconnected", status.Redis)
}

func TestBatchSamplesHandler_Validation(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, http.MethodPost, "/samples/batch", models.SamplesBatch{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/samples/batch", models.SamplesBatch{Samples: []models.RawSample{{Host: "a", Events: 1, Date: "03/01/2020", Epoch: 1}}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/samples/batch", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rr = srv.do(t, http.MethodGet, "/samples/batch", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestBatchSamplesHandler_AcceptsNegativeCounters(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := srv.do(t, http.MethodPost, "/samples/batch", models.SamplesBatch{Samples: []models.RawSample{{Host: "a", Events: -5, Date: testDate, Epoch: testStart}}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]int
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 1, resp["accepted"])
}

func TestRebuildAndQueryFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.ingest(t)

	rr := srv.do(t, http.MethodPost, "/baselines/rebuild?mode=weekly", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/baselines/rebuild?mode=full", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report engine.RebuildReport
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&report))
	assert.Equal(t, engine.ModeFull, report.Mode)
	assert.Equal(t, 4, report.Rebuilt)

	rr = srv.do(t, http.MethodGet, "/hosts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var hosts struct {
		Hosts []string `json:"hosts"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&hosts))
	assert.Equal(t, []string{"h1", "h2", "h3", "h4"}, hosts.Hosts)

	rr = srv.do(t, http.MethodGet, "/hosts/h1/days?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var overview struct {
		Days []models.DaySummary `json:"days"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&overview))
	require.Len(t, overview.Days, 1)
	assert.Equal(t, testDate, overview.Days[0].Date)

	rr = srv.do(t, http.MethodGet, "/hosts/h1/days/"+testDate+"?global=true", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Day     models.ClassifiedDay `json:"day"`
		Summary models.DaySummary    `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Len(t, resp.Day.Samples, models.SlotsPerDay)
	assert.Equal(t, 1, resp.Summary.Global)
	assert.Equal(t, models.SlotsPerDay-3, resp.Summary.Blank)
}

func TestDayHandler_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.ingest(t)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/hosts/h1/days/yesterday", nil).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/hosts/ghost/days/"+testDate, nil).Code)
	// samples exist but no rebuild has run
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/hosts/h1/days/"+testDate, nil).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/hosts/ghost/days", nil).Code)

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/baselines/rebuild", nil).Code)
	rr := srv.do(t, http.MethodGet, "/hosts/h1/days/2020-03-05", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "Unknown date 2020-03-05", body["error"])
}

func TestAnomalyHandlers(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.ingest(t)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/baselines/rebuild", nil).Code)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/hosts/h1/days/"+testDate+"?global=true", nil).Code)

	rr := srv.do(t, http.MethodGet, fmt.Sprintf("/hosts/h1/anomalies/%d", testStart+2700), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var entry struct {
		Host  string `json:"host"`
		Epoch int64  `json:"epoch"`
		Label string `json:"label"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entry))
	assert.Equal(t, "h1", entry.Host)
	assert.Equal(t, "sev0", entry.Label)

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/hosts/h4/anomalies/1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/hosts/h1/anomalies/abc", nil).Code)

	rr = srv.do(t, http.MethodGet, "/anomalies", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var all struct {
		Entries map[string]string `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&all))
	assert.Equal(t, "sev0", all.Entries[models.AnomalyKey("h1", testStart+2700)])
	assert.NotEmpty(t, all.Entries)
}

func TestLiveHandler(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.ingest(t)

	rr := srv.do(t, http.MethodPost, "/live", models.LiveInput{Host: "h4"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/live", models.LiveInput{Host: "h4", Epoch: testStart + 86400, Events: 5})
	assert.Equal(t, http.StatusNotFound, rr.Code, "no overall baseline before rebuild")

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/baselines/rebuild", nil).Code)

	prev := int64(30)
	rr = srv.do(t, http.MethodPost, "/live", models.LiveInput{Host: "h4", Epoch: testStart + 86400 + 900, Events: 30, PreviousEvents: &prev})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res models.LiveResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "00:15", res.Time)
	assert.True(t, res.Anomaly)
	assert.Equal(t, models.LiveHighVsTime, res.Outcome)
}
