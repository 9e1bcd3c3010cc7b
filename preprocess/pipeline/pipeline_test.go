package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/ledger"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/metrics"
)

func mustWriteCSV(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	if err := fileutils.WriteCSVAtomic(path, header, rows); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func surveyExport(answer string, emails ...string) ([]string, [][]string) {
	header := []string{"StartDate", "Email"}
	for _, ins := range []struct {
		name string
		n    int
	}{{"WEMWBS", 14}, {"GAD7", 7}, {"PHQ9", 9}} {
		for i := 1; i <= ins.n; i++ {
			header = append(header, ins.name+"_"+strconv.Itoa(i))
		}
	}
	var rows [][]string
	for _, e := range emails {
		row := []string{"2024-01-10 09:00:00", e}
		for len(row) < len(header) {
			row = append(row, answer)
		}
		rows = append(rows, row)
	}
	return header, rows
}

// newStudy lays out raw inputs for two participants: alice writes six entries and one summary,
// bob writes five.
func newStudy(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CoreDir = t.TempDir()
	cfg.Waves = []config.WaveConfig{
		{Name: "Baseline", Prefix: "B", File: "Baseline.csv", EmailColumn: "Email"},
		{Name: "Exit", Prefix: "E", File: "Exit.csv", EmailColumn: "Email"},
	}
	cfg.Anonymise.Concurrency = 2

	mustWriteCSV(t, filepath.Join(cfg.BotDir(), BotUsers),
		[]string{"Email", "StudyGroup", "TelegramID"},
		[][]string{
			{"Alice@Example.com", "Journal", "100"},
			{"bob@example.com", "Control", "200"},
			{"not-an-email", "", "300"},
		})

	var journals [][]string
	for i := 1; i <= 6; i++ {
		journals = append(journals, []string{
			"a" + strconv.Itoa(i), "100", "2024-02-0" + strconv.Itoa(i) + " 20:00:00", "evening",
			"Walked with Alice today. Felt calm and rested afterwards.",
		})
	}
	for i := 1; i <= 5; i++ {
		journals = append(journals, []string{
			"b" + strconv.Itoa(i), "200", "2024-02-0" + strconv.Itoa(i) + " 21:00:00", "evening",
			"Work was busy again. Slept badly last night.",
		})
	}
	journals = append(journals, []string{"x1", "999", "2024-02-01 10:00:00", "evening", "Unknown sender entry here."})
	mustWriteCSV(t, filepath.Join(cfg.BotDir(), BotJournals),
		[]string{"JournalUniqueID", "TelegramID", "JournalTimestamp", "EntryType", "JournalContent"}, journals)
	mustWriteCSV(t, filepath.Join(cfg.BotDir(), BotSummaries),
		[]string{"TelegramID", "Timestamp", "GptSummary"},
		[][]string{{"100", "2024-02-07 08:00:00", "This week Alice reflected on calm walks."}})

	h, rows := surveyExport("3", "alice@example.com", "bob@example.com")
	mustWriteCSV(t, filepath.Join(cfg.QualtricsDir(), "Baseline.csv"), h, rows)
	h, rows = surveyExport("2", "alice@example.com", "bob@example.com")
	for i := range rows {
		// Exit WEMWBS answers are 4; the anxiety and depression items stay at 2.
		for c := 2; c < 16; c++ {
			rows[i][c] = "4"
		}
	}
	mustWriteCSV(t, filepath.Join(cfg.QualtricsDir(), "Exit.csv"), h, rows)

	if err := fileutils.SaveStringMap(cfg.ConfigFile(config.FileStatusByEmail), map[string]string{
		"alice@example.com": "Eligible",
		"bob@example.com":   "Eligible",
	}); err != nil {
		t.Fatalf("status map: %v", err)
	}
	return cfg
}

func testDeps() Deps {
	redact := preprocess.RedactorFunc(func(_ context.Context, text string) (string, error) {
		return strings.ReplaceAll(text, "Alice", "[PER]"), nil
	})
	return Deps{
		Names: redact,
		Full:  redact,
		Segmenter: preprocess.SegmenterFunc(func(text string) []string {
			return strings.SplitAfter(text, ". ")
		}),
	}
}

func readTable(t *testing.T, cfg *config.Config, name string) *fileutils.Table {
	t.Helper()
	tbl, err := fileutils.ReadCSV(cfg.ProcessedFile(name))
	if err != nil {
		t.Fatalf("ReadCSV %s: %v", name, err)
	}
	return tbl
}

func TestRunner_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	ctx := context.Background()
	led, err := ledger.Open(ctx, cfg.Ledger())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	deps := testDeps()
	deps.Ledger = led
	deps.Metrics = metrics.New()
	r, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reports, err := r.Run(ctx, StageNames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != len(StageNames) {
		t.Fatalf("reports=%d, want %d", len(reports), len(StageNames))
	}

	ids, err := fileutils.LoadStringMap(cfg.ConfigFile(config.FileEmailPID))
	if err != nil {
		t.Fatalf("LoadStringMap: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"alice@example.com": "P0001", "bob@example.com": "P0002"}, ids); diff != "" {
		t.Fatalf("email_pid (-want +got):\n%s", diff)
	}

	if got := len(readTable(t, cfg, File1AnonEmail).Rows); got != 11 {
		t.Fatalf("file 1 rows=%d, want 11", got)
	}
	if got := len(readTable(t, cfg, File2Preprocessed).Rows); got != 12 {
		t.Fatalf("file 2 rows=%d, want 12 (11 entries + 1 summary)", got)
	}

	anon := readTable(t, cfg, File5AnonContent)
	for _, row := range anon.Rows {
		if strings.Contains(anon.Value(row, preprocess.ColAnonymised), "Alice") {
			t.Fatalf("name leaked into anonymised text: %q", row)
		}
	}
	for _, name := range []string{File7JournalsMerged, File8JournalsAnon} {
		if got := len(readTable(t, cfg, name).Rows); got != 12 {
			t.Fatalf("%s rows=%d, want 12", name, got)
		}
	}
	utts := len(readTable(t, cfg, File6Utterances).Rows)
	for _, name := range []string{File9UttMerged, File10UttAnon, File12UttStatus} {
		if got := len(readTable(t, cfg, name).Rows); got != utts {
			t.Fatalf("%s rows=%d, want %d", name, got, utts)
		}
	}
	if readTable(t, cfg, File8JournalsAnon).Has(preprocess.ColEmail) {
		t.Fatalf("anonymised merge carries an Email column")
	}

	parts := readTable(t, cfg, File13Participants)
	if len(parts.Rows) != 1 || parts.Value(parts.Rows[0], preprocess.ColPID) != "P0001" {
		t.Fatalf("participants=%v", parts.Rows)
	}
	p := parts.Rows[0]
	if got := parts.Value(p, "Change_WEMWBS"); got != "14" {
		t.Fatalf("Change_WEMWBS=%q, want 14", got)
	}
	if got := parts.Value(p, preprocess.ColGroup); got != "Journal" {
		t.Fatalf("StudyGroup=%q, want Journal", got)
	}
	if got := parts.Value(p, preprocess.ColQualifying); got != "6" {
		t.Fatalf("QualifyingEntries=%q, want 6", got)
	}

	journals := readTable(t, cfg, File14JournalsFinal)
	if len(journals.Rows) != 7 {
		t.Fatalf("final journals=%d, want 7 (summary kept)", len(journals.Rows))
	}
	entryIDs := map[string]bool{}
	for _, row := range journals.Rows {
		if journals.Value(row, preprocess.ColPID) != "P0001" {
			t.Fatalf("excluded participant in final journals: %v", row)
		}
		entryIDs[journals.Value(row, preprocess.ColEntryID)] = true
	}
	final := readTable(t, cfg, File15UtterancesFinal)
	if len(final.Rows) == 0 {
		t.Fatalf("no final utterances")
	}
	for _, row := range final.Rows {
		if !entryIDs[final.Value(row, preprocess.ColEntryID)] {
			t.Fatalf("orphan utterance %v", row)
		}
	}

	run, err := led.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run.Status != "ok" {
		t.Fatalf("run=%+v", run)
	}
	counts, err := led.FlagCounts(ctx, run.ID)
	if err != nil {
		t.Fatalf("FlagCounts: %v", err)
	}
	if counts[preprocess.ReasonNotIncluded] != 1 || counts[preprocess.ReasonUnknownTelegramID] == 0 || counts[preprocess.ReasonMalformedEmail] == 0 {
		t.Fatalf("flag counts=%v", counts)
	}
	if !fileutils.FileExists(cfg.Metrics()) {
		t.Fatalf("metrics textfile not written")
	}
}

func TestRunner_RerunIsByteIdentical(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	run := func() map[string]string {
		r, err := New(cfg, testDeps())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := r.Run(context.Background(), StageNames); err != nil {
			t.Fatalf("Run: %v", err)
		}
		out := map[string]string{}
		for _, name := range []string{File3SurveyTotals, File4AnonBoth, File11JournalsStatus, File13Participants, File15UtterancesFinal} {
			b, err := os.ReadFile(cfg.ProcessedFile(name))
			if err != nil {
				t.Fatalf("read %s: %v", name, err)
			}
			out[name] = string(b)
		}
		return out
	}
	first := run()
	second := run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rerun changed outputs (-first +second):\n%s", diff)
	}
}

func TestRunner_OnlyStageReadsFiles(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	r, err := New(cfg, testDeps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background(), StageNames); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg.Filter.ExcludeSummariesFromOutput = true
	fresh, err := New(cfg, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := fresh.Run(context.Background(), []string{"final"}); err != nil {
		t.Fatalf("Run final: %v", err)
	}
	journals := readTable(t, cfg, File14JournalsFinal)
	if len(journals.Rows) != 6 {
		t.Fatalf("final journals=%d, want 6 with summaries excluded", len(journals.Rows))
	}
	for _, row := range journals.Rows {
		if journals.Value(row, preprocess.ColEntryType) == string(preprocess.EntrySummary) {
			t.Fatalf("summary emitted: %v", row)
		}
	}
}

func TestRunner_MissingInput(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.CoreDir = t.TempDir()
	r, err := New(cfg, testDeps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reports, err := r.Run(context.Background(), []string{"sentences", "merge"})
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("err=%v, want ErrMissingInput", err)
	}
	if len(reports) != 0 || !strings.HasPrefix(err.Error(), "sentences:") {
		t.Fatalf("reports=%d err=%v", len(reports), err)
	}
}

func TestRunner_RedactionFailureNeverLeaks(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	deps := testDeps()
	deps.Full = preprocess.RedactorFunc(func(_ context.Context, text string) (string, error) {
		if strings.Contains(text, "busy") {
			return "", errors.New("model unavailable")
		}
		return strings.ReplaceAll(text, "Alice", "[PER]"), nil
	})
	r, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reports, err := r.Run(context.Background(), []string{"identity", "entries", "anonymise"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := preprocess.FlagCounts(reports[2].Flags)[preprocess.ReasonRedactionFailed]; got != 5 {
		t.Fatalf("redaction_failed=%d, want 5", got)
	}
	both := readTable(t, cfg, File4AnonBoth)
	for _, row := range both.Rows {
		if both.Value(row, preprocess.ColRedactionFail) != "true" {
			continue
		}
		if both.Value(row, preprocess.ColAnonymised) != "" || both.Value(row, preprocess.ColNamesRedacted) != "" {
			t.Fatalf("failed row carries text: %v", row)
		}
	}
}

func TestRunner_ConcurrentAnonymiseProgress(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	cfg.Anonymise.Concurrency = 8
	deps := testDeps()
	slow := preprocess.RedactorFunc(func(_ context.Context, text string) (string, error) {
		time.Sleep(2 * time.Millisecond)
		return strings.ReplaceAll(text, "Alice", "[PER]"), nil
	})
	deps.Names, deps.Full = slow, slow
	var progress bytes.Buffer
	deps.Progress = &progress

	r, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background(), []string{"identity", "entries", "anonymise"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last, total := 0, 0
	for _, line := range strings.Split(progress.String(), "\n") {
		if !strings.HasPrefix(line, "anonymise: ") {
			continue
		}
		var done, n int
		if _, err := fmt.Sscanf(line, "anonymise: %d/%d", &done, &n); err != nil {
			t.Fatalf("progress line %q: %v", line, err)
		}
		if done <= last {
			t.Fatalf("progress went from %d to %d", last, done)
		}
		last, total = done, n
	}
	if total == 0 || last != total {
		t.Fatalf("last progress=%d/%d, want complete", last, total)
	}
}

func TestRunner_StatusLeavesMergedRowsUntouched(t *testing.T) {
	t.Parallel()

	cfg := newStudy(t)
	r, err := New(cfg, testDeps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stages := []string{"identity", "surveys", "entries", "anonymise", "sentences", "merge", "status"}
	if _, err := r.Run(context.Background(), stages); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, row := range r.st.journals.v.Rows {
		if row.Status != "" {
			t.Fatalf("merged journal row carries status %q", row.Status)
		}
	}
	for _, row := range r.st.utts.v.Rows {
		if row.Status != "" {
			t.Fatalf("merged utterance row carries status %q", row.Status)
		}
	}
	if len(r.st.jStatus.v.Rows) == 0 || r.st.jStatus.v.Rows[0].Status != "Eligible" {
		t.Fatalf("status rows=%d, want Eligible rows", len(r.st.jStatus.v.Rows))
	}
}

func TestSelectStages(t *testing.T) {
	t.Parallel()

	got, err := SelectStages("", "merge")
	if err != nil {
		t.Fatalf("SelectStages: %v", err)
	}
	if diff := cmp.Diff([]string{"merge", "status", "final"}, got); diff != "" {
		t.Fatalf("from merge (-want +got):\n%s", diff)
	}
	if got, _ := SelectStages("Final", ""); len(got) != 1 || got[0] != "final" {
		t.Fatalf("only final=%v", got)
	}
	if got, _ := SelectStages("", ""); len(got) != len(StageNames) {
		t.Fatalf("all=%v", got)
	}
	if _, err := SelectStages("nope", ""); err == nil {
		t.Fatalf("expected unknown stage error")
	}
	if _, err := SelectStages("final", "merge"); err == nil {
		t.Fatalf("expected exclusive flag error")
	}
}
