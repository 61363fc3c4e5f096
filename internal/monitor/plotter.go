package monitor

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lericson/oblam-deskew/internal/pipeline"
)

// DefaultPlotHistory bounds how many sweeps a MotionPlotter keeps.
const DefaultPlotHistory = 2000

var (
	rotationColor  = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	translateColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	propagateColor = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
	deskewColor    = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
)

// MotionPlotter records per-sweep motion and timing so it can be plotted
// after (or during) a run. It implements pipeline.Recorder.
type MotionPlotter struct {
	mu      sync.Mutex
	limit   int
	samples []pipeline.SweepReport
}

// NewMotionPlotter keeps at most limit samples; limit <= 0 selects
// DefaultPlotHistory.
func NewMotionPlotter(limit int) *MotionPlotter {
	if limit <= 0 {
		limit = DefaultPlotHistory
	}
	return &MotionPlotter{limit: limit}
}

// RecordSweep keeps reports of published sweeps only; dropped sweeps carry
// no motion.
func (mp *MotionPlotter) RecordSweep(_ context.Context, r pipeline.SweepReport) error {
	if r.Outcome != pipeline.OutcomeDeskewed && r.Outcome != pipeline.OutcomeFlagged {
		return nil
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.samples = append(mp.samples, r)
	if over := len(mp.samples) - mp.limit; over > 0 {
		mp.samples = append(mp.samples[:0], mp.samples[over:]...)
	}
	return nil
}

// Len returns the number of samples held.
func (mp *MotionPlotter) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.samples)
}

func (mp *MotionPlotter) snapshot() []pipeline.SweepReport {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return append([]pipeline.SweepReport(nil), mp.samples...)
}

// motionPlot charts rotation and translation over each sweep's window.
func motionPlot(samples []pipeline.SweepReport) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Motion within sweep window"
	p.X.Label.Text = "Sweep"
	p.Y.Label.Text = "rad / m"

	rot := make(plotter.XYs, len(samples))
	trans := make(plotter.XYs, len(samples))
	for i, s := range samples {
		rot[i] = plotter.XY{X: float64(s.Sequence), Y: s.RotationRad}
		trans[i] = plotter.XY{X: float64(s.Sequence), Y: s.TranslationM}
	}
	if err := addLine(p, "rotation (rad)", rot, rotationColor); err != nil {
		return nil, err
	}
	if err := addLine(p, "translation (m)", trans, translateColor); err != nil {
		return nil, err
	}
	p.Legend.Top = true
	return p, nil
}

// timingPlot charts propagation and deskew latency.
func timingPlot(samples []pipeline.SweepReport) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Per-sweep processing time"
	p.X.Label.Text = "Sweep"
	p.Y.Label.Text = "ms"

	prop := make(plotter.XYs, len(samples))
	desk := make(plotter.XYs, len(samples))
	for i, s := range samples {
		prop[i] = plotter.XY{X: float64(s.Sequence), Y: s.PropagateDuration.Seconds() * 1e3}
		desk[i] = plotter.XY{X: float64(s.Sequence), Y: s.DeskewDuration.Seconds() * 1e3}
	}
	if err := addLine(p, "propagate", prop, propagateColor); err != nil {
		return nil, err
	}
	if err := addLine(p, "deskew", desk, deskewColor); err != nil {
		return nil, err
	}
	p.Legend.Top = true
	return p, nil
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

// WriteMotionPNG renders the motion plot to w.
func (mp *MotionPlotter) WriteMotionPNG(w io.Writer) error {
	p, err := motionPlot(mp.snapshot())
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// GeneratePlots writes motion.png and timing.png into outputDir and returns
// the number of files written. Nothing is written without samples.
func (mp *MotionPlotter) GeneratePlots(outputDir string) (int, error) {
	samples := mp.snapshot()
	if len(samples) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	motion, err := motionPlot(samples)
	if err != nil {
		return 0, err
	}
	if err := motion.Save(14*vg.Inch, 6*vg.Inch, filepath.Join(outputDir, "motion.png")); err != nil {
		return 0, fmt.Errorf("save motion plot: %w", err)
	}
	timing, err := timingPlot(samples)
	if err != nil {
		return 1, err
	}
	if err := timing.Save(14*vg.Inch, 6*vg.Inch, filepath.Join(outputDir, "timing.png")); err != nil {
		return 1, fmt.Errorf("save timing plot: %w", err)
	}
	return 2, nil
}
