package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lericson/oblam-deskew/internal/db"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/pipeline"
)

type fakeReports struct {
	reports []pipeline.SweepReport
}

func (f *fakeReports) Recent(n int) []pipeline.SweepReport {
	if n <= 0 || n > len(f.reports) {
		n = len(f.reports)
	}
	return f.reports[len(f.reports)-n:]
}

func (f *fakeReports) Processed() uint64 { return uint64(len(f.reports)) }

type fakeQueues struct{ l ingest.Lengths }

func (f fakeQueues) Lengths() ingest.Lengths { return f.l }

func sampleReports(n int) []pipeline.SweepReport {
	out := make([]pipeline.SweepReport, n)
	for i := range out {
		out[i] = pipeline.SweepReport{
			Sequence:          uint64(i + 1),
			Outcome:           pipeline.OutcomeDeskewed,
			RotationRad:       0.1 * float64(i),
			TranslationM:      0.05 * float64(i),
			PropagateDuration: 200 * time.Microsecond,
			DeskewDuration:    time.Millisecond,
		}
	}
	return out
}

func newTestServer(t *testing.T, cfg WebServerConfig) *WebServer {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = gometrics.NewRegistry()
	}
	ws, err := NewWebServer(cfg)
	require.NoError(t, err)
	return ws
}

func get(t *testing.T, ws *WebServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	rec := get(t, ws, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatus(t *testing.T) {
	reg := gometrics.NewRegistry()
	monitoring.Counter(reg, monitoring.MetricDeskewed).Inc(4)
	ws := newTestServer(t, WebServerConfig{
		Reports:  &fakeReports{reports: sampleReports(4)},
		Queues:   fakeQueues{ingest.Lengths{Inertial: 120, Pairs: 1}},
		Registry: reg,
	})

	rec := get(t, ws, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, uint64(4), st.Processed)
	require.NotNil(t, st.Queues)
	assert.Equal(t, 120, st.Queues.Inertial)
	assert.Equal(t, 1, st.Queues.Pairs)
	require.Len(t, st.Metrics, 1)
	assert.Equal(t, monitoring.MetricDeskewed, st.Metrics[0].Name)
	assert.Equal(t, int64(4), st.Metrics[0].Count)
	assert.Equal(t, "dev", st.Version.Version)
}

func TestStatusWithoutSources(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	rec := get(t, ws, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"queues"`)
}

func TestSweeps(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Reports: &fakeReports{reports: sampleReports(10)}})

	rec := get(t, ws, "/api/sweeps?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []pipeline.SweepReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].Sequence)
	assert.Equal(t, uint64(10), got[2].Sequence)

	assert.Equal(t, http.StatusBadRequest, get(t, ws, "/api/sweeps?limit=-1").Code)

	empty := newTestServer(t, WebServerConfig{Reports: &fakeReports{}})
	rec = get(t, empty, "/api/sweeps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	none := newTestServer(t, WebServerConfig{})
	assert.Equal(t, http.StatusNotFound, get(t, none, "/api/sweeps").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Reports: &fakeReports{}})
	for _, path := range []string{"/api/status", "/api/sweeps", "/api/runs"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		ws.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	run, err := store.StartRun(ctx, "synthetic", "dev", nil)
	require.NoError(t, err)
	for _, r := range sampleReports(3) {
		require.NoError(t, run.RecordSweep(ctx, r))
	}

	ws := newTestServer(t, WebServerConfig{Runs: store})
	rec := get(t, ws, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.RunInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 3, runs[0].Sweeps)

	none := newTestServer(t, WebServerConfig{})
	assert.Equal(t, http.StatusNotFound, get(t, none, "/api/runs").Code)
}

func TestMotionChart(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Reports: &fakeReports{reports: sampleReports(20)}})
	rec := get(t, ws, "/charts/motion?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "rotation (rad)")
	assert.Contains(t, body, "Processing time (ms)")

	assert.Equal(t, http.StatusBadRequest, get(t, ws, "/charts/motion?limit=x").Code)
	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(t, WebServerConfig{}), "/charts/motion").Code)
}

func TestMotionPNG(t *testing.T) {
	mp := NewMotionPlotter(0)
	for _, r := range sampleReports(30) {
		require.NoError(t, mp.RecordSweep(context.Background(), r))
	}
	ws := newTestServer(t, WebServerConfig{Plotter: mp})
	rec := get(t, ws, "/plots/motion.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(t, WebServerConfig{}), "/plots/motion.png").Code)
}

func TestDebugReset(t *testing.T) {
	called := 0
	ws := newTestServer(t, WebServerConfig{Reset: func() { called++ }})

	req := httptest.NewRequest(http.MethodPost, "/debug/reset", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, called)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, ws, "/debug/reset").Code)
	assert.Equal(t, 1, called)
}

func TestDebugMetrics(t *testing.T) {
	reg := gometrics.NewRegistry()
	monitoring.Counter(reg, monitoring.MetricMatchStale).Inc(2)
	ws := newTestServer(t, WebServerConfig{Registry: reg})
	rec := get(t, ws, "/debug/deskew-metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), monitoring.MetricMatchStale)
}

func TestAttachRoutes(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Attach: []func(*http.ServeMux) error{
		func(mux *http.ServeMux) error {
			mux.HandleFunc("/extra", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
			return nil
		},
	}})
	assert.Equal(t, http.StatusTeapot, get(t, ws, "/extra").Code)

	_, err := NewWebServer(WebServerConfig{Attach: []func(*http.ServeMux) error{
		func(*http.ServeMux) error { return assert.AnError },
	}})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestServeStopsOnCancel(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestMotionPlotter(t *testing.T) {
	ctx := context.Background()
	mp := NewMotionPlotter(5)
	for _, r := range sampleReports(8) {
		require.NoError(t, mp.RecordSweep(ctx, r))
	}
	require.NoError(t, mp.RecordSweep(ctx, pipeline.SweepReport{Sequence: 99, Outcome: pipeline.OutcomeStale}))
	assert.Equal(t, 5, mp.Len())
	assert.Equal(t, uint64(4), mp.snapshot()[0].Sequence)

	dir := filepath.Join(t.TempDir(), "plots")
	n, err := mp.GeneratePlots(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, name := range []string{"motion.png", "timing.png"} {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Positive(t, fi.Size())
	}

	n, err = NewMotionPlotter(0).GeneratePlots(filepath.Join(t.TempDir(), "empty"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMotionPage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, motionPage(nil).Render(&buf))
	assert.True(t, strings.Contains(buf.String(), "sweeps=0"))
}
