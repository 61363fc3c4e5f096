package monitoring

import (
	"sort"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names shared across the pipeline.
const (
	MetricInertialIngested   = "ingest.inertial"
	MetricPosesIngested      = "ingest.poses"
	MetricSweepsIngested     = "ingest.sweeps"
	MetricOrderingViolations = "ingest.ordering_violations"
	MetricInvalidPoses       = "ingest.invalid_poses"
	MetricMatchOverwrites    = "match.overwrites"
	MetricMatchStale         = "match.stale"
	MetricMatchSkipped       = "match.skipped"
	MetricMatchPairs         = "match.pairs"
	MetricDeferred           = "pipeline.deferred"
	MetricShortWindow        = "pipeline.short_window"
	MetricCoverageTimeouts   = "pipeline.coverage_timeouts"
	MetricDeskewed           = "pipeline.deskewed"
	MetricFlaggedPoints      = "deskew.flagged_points"
	MetricDeskewDuration     = "pipeline.deskew_duration"
	MetricPropagateDuration  = "pipeline.propagate_duration"
	MetricAssemblyCompleted  = "assembly.completed"
	MetricAssemblyEvicted    = "assembly.evicted"
	MetricWireMalformed      = "wire.malformed"
	MetricForwardDropped     = "forward.dropped"
	MetricStreamDropped      = "stream.dropped"
)

// Registry holds every counter and timer the pipeline reports. Components take
// a Registry so tests can use an isolated one.
var Registry gometrics.Registry = gometrics.NewRegistry()

// Counter returns the named counter from r, registering it on first use.
// A nil r resolves to the package Registry.
func Counter(r gometrics.Registry, name string) gometrics.Counter {
	if r == nil {
		r = Registry
	}
	return gometrics.GetOrRegisterCounter(name, r)
}

// Timer returns the named timer from r, registering it on first use.
func Timer(r gometrics.Registry, name string) gometrics.Timer {
	if r == nil {
		r = Registry
	}
	return gometrics.GetOrRegisterTimer(name, r)
}

// MetricValue is the JSON-friendly form of one registered metric.
type MetricValue struct {
	Name   string  `json:"name"`
	Count  int64   `json:"count"`
	MeanMS float64 `json:"mean_ms,omitempty"`
	P99MS  float64 `json:"p99_ms,omitempty"`
}

// Snapshot exports counters and timers from r sorted by name.
func Snapshot(r gometrics.Registry) []MetricValue {
	if r == nil {
		r = Registry
	}
	var out []MetricValue
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case gometrics.Counter:
			out = append(out, MetricValue{Name: name, Count: m.Count()})
		case gometrics.Timer:
			s := m.Snapshot()
			out = append(out, MetricValue{
				Name:   name,
				Count:  s.Count(),
				MeanMS: s.Mean() / float64(time.Millisecond),
				P99MS:  s.Percentile(0.99) / float64(time.Millisecond),
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
