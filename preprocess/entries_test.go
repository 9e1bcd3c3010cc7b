package preprocess

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeEntries_UnionsSummaries(t *testing.T) {
	t.Parallel()

	entries := []JournalEntry{
		{PID: "P0001", EntryID: "e1", Timestamp: "2024-01-02T10:00:00Z", Subtype: "evening", Content: "2024: none\r\nHello there"},
		{PID: "P0001", EntryID: "e0", Timestamp: "whenever", Content: "undated"},
	}
	summaries := []RawSummary{
		{TelegramID: "t1", Timestamp: "2024-01-03 09:00:00", Summary: "You wrote about the park."},
		{TelegramID: "t9", Timestamp: "2024-01-03 09:00:00", Summary: "orphan"},
		{SummaryID: "77", TelegramID: "t1", Timestamp: "2024-01-01 09:00:00", Summary: "Earlier."},
	}

	got, flags := NormalizeEntries(entries, summaries, map[string]string{"t1": "P0001"}, TextOptions{Boilerplate: DefaultBoilerplate()})

	want := []JournalEntry{
		{PID: "P0001", EntryID: "summary_77", Timestamp: "2024-01-01 09:00:00", Type: EntrySummary, Subtype: SummarySubtype, Content: "Earlier.", WordCount: 1},
		{PID: "P0001", EntryID: "e1", Timestamp: "2024-01-02 10:00:00", Type: EntryRegular, Subtype: "evening", Content: "Hello there", WordCount: 2},
		{PID: "P0001", EntryID: "P0001_summary_2", Timestamp: "2024-01-03 09:00:00", Type: EntrySummary, Subtype: SummarySubtype, Content: "You wrote about the park.", WordCount: 5},
		{PID: "P0001", EntryID: "e0", Timestamp: "whenever", Type: EntryRegular, Content: "undated", WordCount: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("NormalizeEntries mismatch (-want +got):\n%s", diff)
	}

	counts := FlagCounts(flags)
	if counts[ReasonUnknownTelegramID] != 1 || counts[ReasonUnparsedTimestamp] != 1 {
		t.Fatalf("flags=%s", FormatCounts(counts))
	}
}

func TestSegmentEntries_IndexesFromZero(t *testing.T) {
	t.Parallel()

	seg := SegmenterFunc(func(text string) []string { return strings.SplitAfter(text, ".") })
	entries := []JournalEntry{
		{PID: "P0001", EntryID: "e1", Type: EntryRegular, Timestamp: "2024-01-01 10:00:00", Anonymised: "I woke up. It rained on [LOC]. "},
		{PID: "P0001", EntryID: "e2", Anonymised: "secret", RedactionFailed: true},
		{PID: "P0001", EntryID: "e3", Anonymised: "  "},
		{PID: "P0002", EntryID: "e4", Type: EntrySummary, Anonymised: "One."},
	}

	got := SegmentEntries(entries, seg)
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3: %+v", len(got), got)
	}
	wantIDs := []string{"e1_0", "e1_1", "e4_0"}
	wantText := []string{"I woke up.", "It rained on [LOC].", "One."}
	for i, u := range got {
		if u.ID() != wantIDs[i] || u.Text != wantText[i] {
			t.Fatalf("utt[%d]=%s %q, want %s %q", i, u.ID(), u.Text, wantIDs[i], wantText[i])
		}
	}
	if got[1].WordCount != 4 || got[1].Timestamp != "2024-01-01 10:00:00" || got[2].Type != EntrySummary {
		t.Fatalf("utt fields=%+v %+v", got[1], got[2])
	}
}

func TestMergeJournals_LeftJoin(t *testing.T) {
	t.Parallel()

	surveys := SurveyTable{
		Waves:   []string{"Baseline"},
		Columns: []string{"B_PHQ9_Total"},
		Rows: []SurveyTotals{{
			Email: "a@example.com", PID: "P0001",
			Scores:    map[string]Score{"B_PHQ9_Total": Defined(3)},
			Completed: map[string]bool{"Baseline": true},
		}},
	}
	entries := []JournalEntry{{PID: "P0001", EntryID: "e1"}, {PID: "P0002", EntryID: "e2"}}

	j := MergeJournals(entries, surveys)
	if len(j.Rows) != len(entries) {
		t.Fatalf("rows=%d, want %d", len(j.Rows), len(entries))
	}
	if !j.Rows[0].HasSurvey || j.Rows[0].Email != "a@example.com" || j.Rows[0].Survey.Scores["B_PHQ9_Total"] != Defined(3) {
		t.Fatalf("row0=%+v", j.Rows[0])
	}
	if j.Rows[1].HasSurvey || j.Rows[1].Survey.Scores["B_PHQ9_Total"].Defined {
		t.Fatalf("row1=%+v, want no survey", j.Rows[1])
	}

	u := MergeUtterances([]Utterance{{PID: "P0002", EntryID: "e2"}}, surveys)
	if len(u.Rows) != 1 || u.Rows[0].HasSurvey {
		t.Fatalf("utterances=%+v", u.Rows)
	}
}

func TestStatus_UnknownKeepsRows(t *testing.T) {
	t.Parallel()

	idmap, err := NewIdentityMap(map[string]string{"a@x.com": "P0001", "b@x.com": "P0002"}, IdentityOptions{})
	if err != nil {
		t.Fatalf("NewIdentityMap: %v", err)
	}
	status, flags := StatusByPID(map[string]string{"A@x.com": "Eligible", "zzz@x.com": "Eligible", "bad": "Eligible"}, idmap)
	if diff := cmp.Diff(map[string]string{"P0001": "Eligible"}, status); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}
	counts := FlagCounts(flags)
	if counts[ReasonUnmappedEmail] != 1 || counts[ReasonMalformedEmail] != 1 {
		t.Fatalf("flags=%s", FormatCounts(counts))
	}

	groups, _ := GroupsByPID(
		[]BotUser{{Email: "a@x.com", StudyGroup: "Control"}, {Email: "b@x.com", StudyGroup: "Journal"}},
		map[string]string{"b@x.com": "JournalPlus"},
		idmap,
	)
	if groups["P0001"] != "Control" || groups["P0002"] != "JournalPlus" {
		t.Fatalf("groups=%v", groups)
	}

	merged := JournalTable{Rows: []JournalRecord{{JournalEntry: JournalEntry{PID: "P0001"}}, {JournalEntry: JournalEntry{PID: "P0002"}}}}
	jt := merged.AttachStatus(status, groups)
	if merged.Rows[0].Status != "" || merged.Rows[1].Group != "" {
		t.Fatalf("input rows modified: %+v", merged.Rows)
	}
	if len(jt.Rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(jt.Rows))
	}
	if jt.Rows[0].Status != "Eligible" || jt.Rows[1].Status != StatusUnknown || jt.Rows[1].Group != "JournalPlus" {
		t.Fatalf("rows=%+v", jt.Rows)
	}

	ut := UtteranceTable{Rows: []UtteranceRecord{{Utterance: Utterance{PID: "P0003"}}}}.AttachStatus(status, groups)
	if ut.Rows[0].Status != StatusUnknown || ut.Rows[0].Group != "" {
		t.Fatalf("utterance=%+v", ut.Rows[0])
	}
}
