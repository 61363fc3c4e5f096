// Package monitor serves the HTTP status interface: JSON endpoints for queue
// depths, counters and recent sweep reports, plus rendered charts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"tailscale.com/tsweb"

	"github.com/lericson/oblam-deskew/internal/db"
	"github.com/lericson/oblam-deskew/internal/httputil"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/pipeline"
	"github.com/lericson/oblam-deskew/internal/version"
)

// recentLimit caps the limit query parameter.
const recentLimit = 2000

// ReportSource is the worker's view needed by the status endpoints.
type ReportSource interface {
	Recent(n int) []pipeline.SweepReport
	Processed() uint64
}

// QueueSource reports ingest queue depths.
type QueueSource interface {
	Lengths() ingest.Lengths
}

// RunLister lists persisted runs.
type RunLister interface {
	Runs(ctx context.Context) ([]db.RunInfo, error)
}

// WebServerConfig contains configuration options for the web server.
// Every source is optional; endpoints without one answer 404.
type WebServerConfig struct {
	Address  string
	Reports  ReportSource
	Queues   QueueSource
	Runs     RunLister
	Plotter  *MotionPlotter
	Registry gometrics.Registry
	// Reset is invoked by POST /debug/reset.
	Reset func()
	// Attach mounts extra routes (e.g. tailsql) on the server's mux.
	Attach []func(*http.ServeMux) error
}

// WebServer handles the HTTP interface for monitoring the pipeline.
type WebServer struct {
	address  string
	reports  ReportSource
	queues   QueueSource
	runs     RunLister
	plotter  *MotionPlotter
	registry gometrics.Registry
	reset    func()
	started  time.Time

	mux    *http.ServeMux
	server *http.Server
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	ws := &WebServer{
		address:  cfg.Address,
		reports:  cfg.Reports,
		queues:   cfg.Queues,
		runs:     cfg.Runs,
		plotter:  cfg.Plotter,
		registry: cfg.Registry,
		reset:    cfg.Reset,
		started:  time.Now(),
	}
	if ws.registry == nil {
		ws.registry = monitoring.Registry
	}
	ws.mux = ws.setupRoutes()
	for _, attach := range cfg.Attach {
		if err := attach(ws.mux); err != nil {
			return nil, err
		}
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ws.address, err)
	}
	monitoring.Logf("[HTTP] serving on %s", ln.Addr())
	return ws.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- ws.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[HTTP] shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[HTTP] force close error: %v", err)
		}
	}
	<-errCh
	monitoring.Logf("[HTTP] server stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/sweeps", ws.handleSweeps)
	mux.HandleFunc("/api/runs", ws.handleRuns)
	mux.HandleFunc("/charts/motion", ws.handleMotionChart)
	mux.HandleFunc("/plots/motion.png", ws.handleMotionPNG)

	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("reset", ws.handleReset)
	debug.HandleFunc("deskew-metrics", "Pipeline counters and timers", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, monitoring.Snapshot(ws.registry))
	})
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "deskew",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status is the body of /api/status.
type Status struct {
	Version   version.Info             `json:"version"`
	UptimeSec float64                  `json:"uptime_sec"`
	Processed uint64                   `json:"processed"`
	Queues    *ingest.Lengths          `json:"queues,omitempty"`
	Metrics   []monitoring.MetricValue `json:"metrics"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := Status{
		Version:   version.Current(),
		UptimeSec: time.Since(ws.started).Seconds(),
		Metrics:   monitoring.Snapshot(ws.registry),
	}
	if ws.reports != nil {
		st.Processed = ws.reports.Processed()
	}
	if ws.queues != nil {
		l := ws.queues.Lengths()
		st.Queues = &l
	}
	httputil.WriteJSONOK(w, st)
}

func (ws *WebServer) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.reports == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no worker attached")
		return
	}
	limit, ok := httputil.QueryLimit(r, 50, recentLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	reports := ws.reports.Recent(limit)
	if reports == nil {
		reports = []pipeline.SweepReport{}
	}
	httputil.WriteJSONOK(w, reports)
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.runs == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no database attached")
		return
	}
	runs, err := ws.runs.Runs(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []db.RunInfo{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.reset == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "reset not supported")
		return
	}
	ws.reset()
	monitoring.Logf("[HTTP] pipeline state reset via %s", r.RemoteAddr)
	httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
}
