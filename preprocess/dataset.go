package preprocess

import (
	"sort"
	"strconv"
)

// BotUser is one row of the bot's user table.
type BotUser struct {
	TelegramID string
	Email      string
	StudyGroup string
}

// RawJournal is one saved journal entry as exported by the bot server.
type RawJournal struct {
	EntryID    string
	TelegramID string
	Timestamp  string
	EntryType  string
	Content    string
}

// RawSummary is one GPT-generated summary as exported by the bot server.
type RawSummary struct {
	SummaryID  string
	TelegramID string
	Timestamp  string
	Summary    string
}

// EntryType discriminates participant-written entries from bot-generated summaries.
type EntryType string

const (
	EntryRegular EntryType = "regular"
	EntrySummary EntryType = "summary"
)

// JournalEntry is one journal row. Later stages fill the redaction fields; EntryID is stable
// across every variant.
type JournalEntry struct {
	PID       string
	EntryID   string
	Timestamp string
	Type      EntryType
	// Subtype is the bot's own entry type label (kept verbatim).
	Subtype string

	Content     string
	ContentHash string

	NamesRedacted   string
	Anonymised      string
	RedactionFailed bool

	WordCount int
}

// Utterance is one sentence of a journal entry's anonymised text.
type Utterance struct {
	PID       string
	EntryID   string
	Type      EntryType
	Timestamp string
	Index     int
	Text      string
	WordCount int
}

// ID is the parent entry ID joined with the 0-based sentence index.
func (u Utterance) ID() string {
	return u.EntryID + "_" + strconv.Itoa(u.Index)
}

// SurveyTotals is the wide per-participant survey record.
type SurveyTotals struct {
	Email     string
	PID       string
	Scores    map[string]Score
	Completed map[string]bool
}

// SurveyTable holds the scored surveys and their column layout.
type SurveyTable struct {
	// Waves lists wave names in order; each gets a <Wave>_Completed column.
	Waves []string
	// Columns lists score columns in output order.
	Columns []string
	Rows    []SurveyTotals
}

// ByPID indexes rows with a PID. Unmapped rows are skipped.
func (t SurveyTable) ByPID() map[string]SurveyTotals {
	out := make(map[string]SurveyTotals, len(t.Rows))
	for _, r := range t.Rows {
		if r.PID == "" {
			continue
		}
		out[r.PID] = r
	}
	return out
}

// JournalRecord is a journal entry joined with survey data and, after the status stage, study
// status and group.
type JournalRecord struct {
	JournalEntry
	Email     string
	HasSurvey bool
	Survey    SurveyTotals
	Status    string
	Group     string
}

// UtteranceRecord is an utterance joined with survey data, status and group.
type UtteranceRecord struct {
	Utterance
	Email     string
	HasSurvey bool
	Survey    SurveyTotals
	Status    string
	Group     string
}

// JournalTable is the journal-level merged dataset.
type JournalTable struct {
	Waves   []string
	Columns []string
	Rows    []JournalRecord
}

// UtteranceTable is the utterance-level merged dataset.
type UtteranceTable struct {
	Waves   []string
	Columns []string
	Rows    []UtteranceRecord
}

func sortEntries(entries []JournalEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}

func entryLess(a, b JournalEntry) bool {
	ta, oka := ParseTimestamp(a.Timestamp)
	tb, okb := ParseTimestamp(b.Timestamp)
	switch {
	case oka && okb && !ta.Equal(tb):
		return ta.Before(tb)
	case oka != okb:
		return oka
	case !oka && !okb && a.Timestamp != b.Timestamp:
		return a.Timestamp < b.Timestamp
	}
	return a.EntryID < b.EntryID
}
