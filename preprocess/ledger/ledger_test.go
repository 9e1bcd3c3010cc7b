package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "processed", "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTest(t)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

	id, err := l.BeginRun(ctx, []string{"identity", "surveys"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	rep := preprocess.Report{
		Stage:   "identity",
		RowsIn:  3,
		RowsOut: 2,
		Flags: []preprocess.Flag{
			{Stage: "identity", Dataset: "tsj_usertable", Key: "row 2", Reason: preprocess.ReasonMalformedEmail, Detail: "malformed email: empty"},
			{Dataset: "tsj_journals_saved", Key: "J9", Reason: preprocess.ReasonUnknownTelegramID},
		},
	}
	if err := l.RecordReport(ctx, id, rep, 1500*time.Millisecond); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	// Re-recording a stage replaces its flags.
	if err := l.RecordReport(ctx, id, rep, time.Second); err != nil {
		t.Fatalf("RecordReport again: %v", err)
	}
	if err := l.FinishRun(ctx, id, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	counts, err := l.FlagCounts(ctx, id)
	if err != nil {
		t.Fatalf("FlagCounts: %v", err)
	}
	want := map[string]int{preprocess.ReasonMalformedEmail: 1, preprocess.ReasonUnknownTelegramID: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}

	flags, err := l.Flags(ctx, id, "identity")
	if err != nil {
		t.Fatalf("Flags: %v", err)
	}
	if len(flags) != 2 || flags[1].Stage != "identity" || flags[1].Key != "J9" {
		t.Fatalf("flags=%+v", flags)
	}

	run, err := l.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run.ID != id || run.Status != "ok" || run.FinishedAt == "" {
		t.Fatalf("run=%+v", run)
	}
	if diff := cmp.Diff([]string{"identity", "surveys"}, run.Stages); diff != "" {
		t.Fatalf("stages (-want +got):\n%s", diff)
	}
}

func TestLedger_FailedRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTest(t)
	id, err := l.BeginRun(ctx, []string{"final"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := l.FinishRun(ctx, id, errors.New("final: orphan utterance")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, err := l.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run.Status != "failed" || run.Error != "final: orphan utterance" {
		t.Fatalf("run=%+v", run)
	}
	if err := l.FinishRun(ctx, "missing", nil); err == nil {
		t.Fatalf("expected unknown run error")
	}
}

func TestLedger_Memory(t *testing.T) {
	t.Parallel()

	l, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if _, err := l.BeginRun(context.Background(), nil); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
}

func TestLedger_FlagsFiledUnderReportingStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openTest(t)
	id, err := l.BeginRun(ctx, []string{"identity", "entries"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	identity := preprocess.Report{Stage: "identity", Flags: []preprocess.Flag{
		{Stage: "identity", Dataset: "tsj_usertable", Key: "row 2", Reason: preprocess.ReasonMalformedEmail},
	}}
	entries := preprocess.Report{Stage: "entries", Flags: []preprocess.Flag{
		{Stage: "identity", Dataset: "tsj_usertable", Key: "t1", Reason: preprocess.ReasonConflictingUser},
	}}
	for _, rep := range []preprocess.Report{identity, entries, entries} {
		if err := l.RecordReport(ctx, id, rep, time.Second); err != nil {
			t.Fatalf("RecordReport %s: %v", rep.Stage, err)
		}
	}

	got, err := l.Flags(ctx, id, "entries")
	if err != nil {
		t.Fatalf("Flags: %v", err)
	}
	if len(got) != 1 || got[0].Stage != "entries" || got[0].Key != "t1" {
		t.Fatalf("entries flags=%+v, want one conflicting_user filed under entries", got)
	}
	got, err = l.Flags(ctx, id, "identity")
	if err != nil {
		t.Fatalf("Flags: %v", err)
	}
	if len(got) != 1 || got[0].Key != "row 2" {
		t.Fatalf("identity flags=%+v, want only row 2", got)
	}
}
