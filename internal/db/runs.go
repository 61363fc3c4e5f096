package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lericson/oblam-deskew/internal/pipeline"
)

// Run is one process lifetime of the pipeline. It implements
// pipeline.Recorder, attributing every report it records to its ID.
type Run struct {
	db *DB
	ID string
}

// RunInfo is a row of the run_summary view.
type RunInfo struct {
	ID              string        `json:"run_id"`
	Source          string        `json:"source"`
	Started         time.Time     `json:"started"`
	Finished        *time.Time    `json:"finished,omitempty"`
	Sweeps          int           `json:"sweeps"`
	Published       int           `json:"published"`
	FlaggedPoints   int           `json:"flagged_points"`
	MeanDeskewDelay time.Duration `json:"mean_deskew_ns"`
}

// StartRun inserts a new run row. cfg is stored as JSON for later reference;
// source names where input came from (e.g. "udp", "pcap", "synthetic").
func (db *DB) StartRun(ctx context.Context, source, version string, cfg any) (*Run, error) {
	cfgJSON := []byte("{}")
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return nil, fmt.Errorf("encode run config: %w", err)
		}
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, version, config_json, started_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		id, source, version, string(cfgJSON), time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{db: db, ID: id}, nil
}

// Finish stamps the run's end time.
func (r *Run) Finish(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE runs SET finished_unix_nanos = ? WHERE run_id = ?`,
		time.Now().UnixNano(), r.ID)
	return err
}

// RecordSweep stores one sweep report.
func (r *Run) RecordSweep(ctx context.Context, rep pipeline.SweepReport) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sweeps (
			run_id, sequence, start_unix_nanos, end_unix_nanos, pose_unix_nanos,
			inertial_samples, points, flagged, outcome, rotation_rad, translation_m,
			propagate_nanos, deskew_nanos, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, int64(rep.Sequence), unixNanos(rep.Start), unixNanos(rep.End), unixNanos(rep.PoseTime),
		rep.InertialSamples, rep.Points, rep.Flagged, string(rep.Outcome), rep.RotationRad, rep.TranslationM,
		int64(rep.PropagateDuration), int64(rep.DeskewDuration), rep.Error)
	if err != nil {
		return fmt.Errorf("insert sweep %d: %w", rep.Sequence, err)
	}
	return nil
}

// RecentSweeps returns up to n of the run's latest reports, oldest first.
func (r *Run) RecentSweeps(ctx context.Context, n int) ([]pipeline.SweepReport, error) {
	return r.db.RecentSweeps(ctx, r.ID, n)
}

// RecentSweeps returns up to n of the latest reports of runID, oldest first.
func (db *DB) RecentSweeps(ctx context.Context, runID string, n int) ([]pipeline.SweepReport, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, start_unix_nanos, end_unix_nanos, pose_unix_nanos,
			inertial_samples, points, flagged, outcome, rotation_rad, translation_m,
			propagate_nanos, deskew_nanos, error
		FROM (
			SELECT * FROM sweeps WHERE run_id = ? ORDER BY sweep_id DESC LIMIT ?
		) ORDER BY sweep_id ASC`, runID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.SweepReport
	for rows.Next() {
		var (
			rep                 pipeline.SweepReport
			seq, start, end, ps int64
			outcome             string
			prop, desk          int64
		)
		if err := rows.Scan(&seq, &start, &end, &ps,
			&rep.InertialSamples, &rep.Points, &rep.Flagged, &outcome, &rep.RotationRad, &rep.TranslationM,
			&prop, &desk, &rep.Error); err != nil {
			return nil, err
		}
		rep.Sequence = uint64(seq)
		rep.Start = fromUnixNanos(start)
		rep.End = fromUnixNanos(end)
		rep.PoseTime = fromUnixNanos(ps)
		rep.Outcome = pipeline.Outcome(outcome)
		rep.PropagateDuration = time.Duration(prop)
		rep.DeskewDuration = time.Duration(desk)
		out = append(out, rep)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies the run's sweeps by outcome.
func (db *DB) OutcomeCounts(ctx context.Context, runID string) (map[pipeline.Outcome]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM sweeps WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[pipeline.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[pipeline.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Runs lists every run, newest first.
func (db *DB) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, source, started_unix_nanos, finished_unix_nanos,
			sweeps, published, flagged_points, mean_deskew_nanos
		FROM run_summary ORDER BY started_unix_nanos DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			info     RunInfo
			started  int64
			finished sql.NullInt64
			mean     float64
		)
		if err := rows.Scan(&info.ID, &info.Source, &started, &finished,
			&info.Sweeps, &info.Published, &info.FlaggedPoints, &mean); err != nil {
			return nil, err
		}
		info.Started = fromUnixNanos(started)
		if finished.Valid {
			t := fromUnixNanos(finished.Int64)
			info.Finished = &t
		}
		info.MeanDeskewDelay = time.Duration(mean)
		out = append(out, info)
	}
	return out, rows.Err()
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
