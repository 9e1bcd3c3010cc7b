// Package pipeline runs the preprocessing stages in order over the study directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/collect"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/ledger"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/metrics"
)

// StageNames lists every stage in run order.
var StageNames = []string{"pull", "identity", "surveys", "entries", "anonymise", "sentences", "merge", "status", "final"}

// ErrMissingInput is returned when a stage's input file does not exist and no earlier stage in
// the same run produced it.
var ErrMissingInput = errors.New("missing input")

// SelectStages returns the stages to run: one stage, the tail from a stage, or all of them.
func SelectStages(only, from string) ([]string, error) {
	only = strings.ToLower(strings.TrimSpace(only))
	from = strings.ToLower(strings.TrimSpace(from))
	if only != "" && from != "" {
		return nil, errors.New("use only one of -only-stage or -from-stage")
	}
	for i, s := range StageNames {
		switch {
		case only != "" && s == only:
			return []string{s}, nil
		case from != "" && s == from:
			return append([]string(nil), StageNames[i:]...), nil
		}
	}
	if only != "" {
		return nil, fmt.Errorf("unknown stage %q", only)
	}
	if from != "" {
		return nil, fmt.Errorf("unknown stage %q", from)
	}
	return append([]string(nil), StageNames...), nil
}

// Deps are the collaborators a run needs. Nil Ledger, Metrics, Collector and Progress disable
// their concern; the redactors and segmenter are required only by the stages that use them.
type Deps struct {
	Names     preprocess.Redactor
	Full      preprocess.Redactor
	Segmenter preprocess.Segmenter

	Collector *collect.Collector
	SurveyIDs map[string]string

	Logger   *zap.Logger
	Ledger   *ledger.Ledger
	Metrics  *metrics.Recorder
	Progress io.Writer
	Now      func() time.Time
}

// Runner executes stages against one study directory. Datasets produced earlier in the same
// run are handed to later stages in memory; otherwise they are read back from their files.
type Runner struct {
	cfg  *config.Config
	deps Deps
	log  *zap.Logger
	st   state
}

func New(cfg *config.Config, deps Deps) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("New: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = io.Discard
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{cfg: cfg, deps: deps, log: log}, nil
}

// Run executes stages in order and stops at the first failure. Reports of completed stages are
// returned either way.
func (r *Runner) Run(ctx context.Context, stages []string) ([]preprocess.Report, error) {
	if ctx == nil {
		return nil, errors.New("Run: ctx is nil")
	}
	var runID string
	if r.deps.Ledger != nil {
		id, err := r.deps.Ledger.BeginRun(ctx, stages)
		if err != nil {
			return nil, fmt.Errorf("Run: %w", err)
		}
		runID = id
		r.log.Info("run started", zap.String("run_id", runID), zap.Strings("stages", stages))
	}

	var (
		reports []preprocess.Report
		runErr  error
	)
	for _, name := range stages {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		start := r.deps.Now()
		rep, err := r.runStage(ctx, name)
		took := r.deps.Now().Sub(start)
		if err != nil {
			runErr = fmt.Errorf("%s: %w", name, err)
			r.log.Error("stage failed", zap.String("stage", name), zap.Error(err))
			fmt.Fprintln(r.deps.Progress, "stage failed:", name, err.Error())
			break
		}
		rep.Stage = name
		reports = append(reports, rep)

		r.log.Info("stage done",
			zap.String("stage", name),
			zap.Int("rows_in", rep.RowsIn),
			zap.Int("rows_out", rep.RowsOut),
			zap.Int("flags", len(rep.Flags)),
			zap.String("flag_counts", preprocess.FormatCounts(preprocess.FlagCounts(rep.Flags))),
			zap.Duration("took", took),
		)
		for _, f := range rep.Flags {
			r.log.Debug("row flagged",
				zap.String("stage", name),
				zap.String("dataset", f.Dataset),
				zap.String("key", f.Key),
				zap.String("reason", f.Reason),
			)
		}
		fmt.Fprintf(r.deps.Progress, "ok: %s in=%d out=%d flags=%d (%s)\n",
			name, rep.RowsIn, rep.RowsOut, len(rep.Flags), took.Round(time.Millisecond))

		r.deps.Metrics.Observe(rep, took)
		if r.deps.Ledger != nil {
			if err := r.deps.Ledger.RecordReport(ctx, runID, rep, took); err != nil {
				runErr = fmt.Errorf("%s: %w", name, err)
				break
			}
		}
	}

	if r.deps.Ledger != nil {
		// The run row is closed even when ctx was cancelled.
		if err := r.deps.Ledger.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil && runErr == nil {
			runErr = fmt.Errorf("Run: %w", err)
		}
	}
	if r.deps.Metrics != nil {
		if path := r.cfg.Metrics(); path != "" {
			if err := r.deps.Metrics.WriteTextfile(path, r.deps.Now()); err != nil {
				r.log.Warn("metrics not written", zap.Error(err))
			}
		}
	}
	return reports, runErr
}

func (r *Runner) runStage(ctx context.Context, name string) (preprocess.Report, error) {
	switch name {
	case "pull":
		return r.pull(ctx)
	case "identity":
		return r.identity()
	case "surveys":
		return r.surveys()
	case "entries":
		return r.entries()
	case "anonymise":
		return r.anonymise(ctx)
	case "sentences":
		return r.sentences()
	case "merge":
		return r.merge()
	case "status":
		return r.status()
	case "final":
		return r.final()
	}
	return preprocess.Report{}, fmt.Errorf("unknown stage %q", name)
}
