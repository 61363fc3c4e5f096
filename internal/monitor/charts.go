package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/lericson/oblam-deskew/internal/httputil"
	"github.com/lericson/oblam-deskew/internal/pipeline"
)

// motionPage builds an HTML page with a motion chart and a timing chart for
// the given reports.
func motionPage(reports []pipeline.SweepReport) *components.Page {
	x := make([]string, len(reports))
	rot := make([]opts.LineData, len(reports))
	trans := make([]opts.LineData, len(reports))
	prop := make([]opts.LineData, len(reports))
	desk := make([]opts.LineData, len(reports))
	flagged := make([]opts.LineData, len(reports))
	for i, r := range reports {
		x[i] = strconv.FormatUint(r.Sequence, 10)
		rot[i] = opts.LineData{Value: r.RotationRad}
		trans[i] = opts.LineData{Value: r.TranslationM}
		prop[i] = opts.LineData{Value: r.PropagateDuration.Seconds() * 1e3}
		desk[i] = opts.LineData{Value: r.DeskewDuration.Seconds() * 1e3}
		flagged[i] = opts.LineData{Value: r.Flagged}
	}

	subtitle := fmt.Sprintf("sweeps=%d", len(reports))
	motion := charts.NewLine()
	motion.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Deskew motion", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Motion within sweep window", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sweep"}),
	)
	motion.SetXAxis(x).
		AddSeries("rotation (rad)", rot).
		AddSeries("translation (m)", trans).
		AddSeries("flagged points", flagged)

	timing := charts.NewLine()
	timing.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Processing time (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sweep"}),
	)
	timing.SetXAxis(x).
		AddSeries("propagate", prop).
		AddSeries("deskew", desk)

	page := components.NewPage()
	page.AddCharts(motion, timing)
	return page
}

// handleMotionChart renders the latest reports as interactive line charts.
func (ws *WebServer) handleMotionChart(w http.ResponseWriter, r *http.Request) {
	if ws.reports == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no worker attached")
		return
	}
	limit, ok := httputil.QueryLimit(r, 300, recentLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}

	var buf bytes.Buffer
	if err := motionPage(ws.reports.Recent(limit)).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleMotionPNG serves the plotter's motion chart as a static image.
func (ws *WebServer) handleMotionPNG(w http.ResponseWriter, r *http.Request) {
	if ws.plotter == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no plotter attached")
		return
	}
	var buf bytes.Buffer
	if err := ws.plotter.WriteMotionPNG(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
