package preprocess

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

func reparse(t *testing.T, header []string, rows [][]string) *fileutils.Table {
	t.Helper()
	b, err := fileutils.EncodeCSV(header, rows)
	if err != nil {
		t.Fatalf("EncodeCSV: %v", err)
	}
	tbl, err := fileutils.ParseCSV(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	return tbl
}

func TestJournalTable_CSVKeepsUndefinedAndMissingSurvey(t *testing.T) {
	t.Parallel()

	withSurvey := SurveyTotals{
		PID: "P0001", Email: "a@example.com",
		Scores:    map[string]Score{"B_PHQ9_Total": Defined(9), "E_PHQ9_Total": Undefined},
		Completed: map[string]bool{"Baseline": true, "Exit": false},
	}
	in := JournalTable{
		Waves:   []string{"Baseline", "Exit"},
		Columns: []string{"B_PHQ9_Total", "E_PHQ9_Total"},
		Rows: []JournalRecord{
			{
				JournalEntry: JournalEntry{PID: "P0001", EntryID: "e1", Timestamp: "2024-01-01 10:00:00", Type: EntryRegular, Subtype: "evening", Anonymised: "Hi, [PER].\nBye", WordCount: 3},
				Email:        "a@example.com", HasSurvey: true, Survey: withSurvey, Status: "Eligible", Group: "Journal",
			},
			{
				JournalEntry: JournalEntry{PID: "P0002", EntryID: "s1", Type: EntrySummary, RedactionFailed: true},
				Status:       StatusUnknown,
			},
		},
	}

	header, rows := EncodeJournalTable(in, TableLayout{Email: true, Status: true})
	wantHeader := []string{"Email", "ParticipantID", "Timestamp", "JournalUniqueID", "EntryType", "EntrySubtype", "JournalAnonymised", "RedactionFailed", "WordCount", "B_PHQ9_Total", "E_PHQ9_Total", "Baseline_Completed", "Exit_Completed", "StudyGroup", "Status"}
	if diff := cmp.Diff(wantHeader, header); diff != "" {
		t.Fatalf("header (-want +got):\n%s", diff)
	}
	if got := rows[1][11:13]; got[0] != "" || got[1] != "" {
		t.Fatalf("completed cells without survey=%q, want blank", got)
	}

	out, err := DecodeJournalTable(reparse(t, header, rows))
	if err != nil {
		t.Fatalf("DecodeJournalTable: %v", err)
	}
	if diff := cmp.Diff(in.Columns, out.Columns); diff != "" {
		t.Fatalf("columns (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(in.Waves, out.Waves); diff != "" {
		t.Fatalf("waves (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(in.Rows[0], out.Rows[0]); diff != "" {
		t.Fatalf("row 0 (-want +got):\n%s", diff)
	}
	second := out.Rows[1]
	if second.HasSurvey || second.Survey.Scores["B_PHQ9_Total"].Defined || !second.RedactionFailed || second.Type != EntrySummary {
		t.Fatalf("row 1=%+v", second)
	}
}

func TestUtteranceTable_AnonLayoutOmitsEmail(t *testing.T) {
	t.Parallel()

	in := UtteranceTable{Rows: []UtteranceRecord{{
		Utterance: Utterance{PID: "P0001", EntryID: "e1", Type: EntryRegular, Index: 2, Text: "It rained.", WordCount: 2},
		Email:     "a@example.com",
	}}}
	header, rows := EncodeUtteranceTable(in, LayoutMergedAnon)
	for _, h := range header {
		if h == ColEmail {
			t.Fatalf("anonymous layout carries Email: %v", header)
		}
	}
	tbl := reparse(t, header, rows)
	if got := tbl.Value(tbl.Rows[0], ColUttID); got != "e1_2" {
		t.Fatalf("UtteranceID=%q, want e1_2", got)
	}
	out, err := DecodeUtteranceTable(tbl)
	if err != nil {
		t.Fatalf("DecodeUtteranceTable: %v", err)
	}
	if diff := cmp.Diff(in.Rows[0].Utterance, out.Rows[0].Utterance); diff != "" {
		t.Fatalf("utterance (-want +got):\n%s", diff)
	}
}

func TestSurveyTable_CSV(t *testing.T) {
	t.Parallel()

	in := SurveyTable{
		Waves:   []string{"Baseline"},
		Columns: []string{"B_NIEQ_Total"},
		Rows: []SurveyTotals{
			{Email: "a@example.com", PID: "P0001", Scores: map[string]Score{"B_NIEQ_Total": Defined(27.5)}, Completed: map[string]bool{"Baseline": true}},
			{Email: "z@example.com", Scores: map[string]Score{"B_NIEQ_Total": Undefined}, Completed: map[string]bool{"Baseline": false}},
		},
	}
	header, rows := EncodeSurveyTable(in)
	if rows[0][2] != "27.5" || rows[1][2] != "" || rows[1][3] != "false" {
		t.Fatalf("rows=%q", rows)
	}
	out, err := DecodeSurveyTable(reparse(t, header, rows))
	if err != nil {
		t.Fatalf("DecodeSurveyTable: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("survey table (-want +got):\n%s", diff)
	}
}

func TestRawExports_Decode(t *testing.T) {
	t.Parallel()

	users, err := BotUsersFromTable(fileutils.NewTable(
		[]string{"TelegramID", "Email", "StudyGroup"},
		[][]string{{" 42 ", "a@example.com", "Journal"}},
	))
	if err != nil || len(users) != 1 || users[0].TelegramID != "42" {
		t.Fatalf("users=%+v err=%v", users, err)
	}

	sums, err := RawSummariesFromTable(fileutils.NewTable(
		[]string{"TelegramID", "SummaryTimestamp", "GptSummary"},
		[][]string{{"42", "2024-01-01 10:00:00", "ok"}},
	))
	if err != nil || len(sums) != 1 || sums[0].Timestamp != "2024-01-01 10:00:00" {
		t.Fatalf("summaries=%+v err=%v", sums, err)
	}

	if _, err := RawJournalsFromTable(fileutils.NewTable([]string{"TelegramID"}, nil)); err == nil {
		t.Fatalf("expected missing column error")
	}
}
