// Package metrics collects per-stage counters and writes them in the Prometheus text format.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
)

// Recorder owns its registry so runs in one process never share counters.
type Recorder struct {
	reg *prometheus.Registry

	rowsIn   *prometheus.GaugeVec
	rowsOut  *prometheus.GaugeVec
	flags    *prometheus.CounterVec
	duration *prometheus.GaugeVec
	lastRun  prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		rowsIn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journal_prep_stage_rows_in",
			Help: "Rows read by the stage in the last run",
		}, []string{"stage"}),
		rowsOut: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journal_prep_stage_rows_out",
			Help: "Rows written by the stage in the last run",
		}, []string{"stage"}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_prep_flags_total",
			Help: "Rows flagged for review or exclusion",
		}, []string{"stage", "reason"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journal_prep_stage_duration_seconds",
			Help: "Wall time of the stage in the last run",
		}, []string{"stage"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journal_prep_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	r.reg.MustRegister(r.rowsIn, r.rowsOut, r.flags, r.duration, r.lastRun)
	return r
}

// Registry exposes the underlying registry for scraping or inspection.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Observe records one stage report.
func (r *Recorder) Observe(rep preprocess.Report, took time.Duration) {
	if r == nil {
		return
	}
	r.rowsIn.WithLabelValues(rep.Stage).Set(float64(rep.RowsIn))
	r.rowsOut.WithLabelValues(rep.Stage).Set(float64(rep.RowsOut))
	r.duration.WithLabelValues(rep.Stage).Set(took.Seconds())
	for reason, n := range preprocess.FlagCounts(rep.Flags) {
		r.flags.WithLabelValues(rep.Stage, reason).Add(float64(n))
	}
}

// WriteTextfile stamps the run end time and writes every metric to path.
func (r *Recorder) WriteTextfile(path string, finished time.Time) error {
	if r == nil {
		return errors.New("WriteTextfile: recorder is nil")
	}
	if path == "" {
		return errors.New("WriteTextfile: path is empty")
	}
	r.lastRun.Set(float64(finished.Unix()))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("WriteTextfile: mkdir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("WriteTextfile: %w", err)
	}
	return nil
}
