package preprocess

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

// Column names shared by the numbered output files.
const (
	ColPID           = "ParticipantID"
	ColEmail         = "Email"
	ColEntryID       = "JournalUniqueID"
	ColTimestamp     = "Timestamp"
	ColEntryType     = "EntryType"
	ColEntrySubtype  = "EntrySubtype"
	ColContent       = "Content"
	ColContentHash   = "ContentHash"
	ColNamesRedacted = "JournalNamesRedacted"
	ColAnonymised    = "JournalAnonymised"
	ColRedactionFail = "RedactionFailed"
	ColWordCount     = "WordCount"
	ColUttIndex      = "UtteranceIndex"
	ColUttID         = "UtteranceID"
	ColUtterance     = "Utterance"
	ColGroup         = "StudyGroup"
	ColStatus        = "Status"
	ColQualifying    = "QualifyingEntries"

	// Raw bot export and 1_journals_anon_email.csv columns.
	ColTelegramID     = "TelegramID"
	ColJournalTime    = "JournalTimestamp"
	ColJournalContent = "JournalContent"
	ColSummaryID      = "SummaryID"
	ColSummary        = "GptSummary"
)

type field[T any] struct {
	get func(*T) string
	set func(*T, string) error
}

func textField[T any](p func(*T) *string) field[T] {
	return field[T]{
		get: func(v *T) string { return *p(v) },
		set: func(v *T, s string) error { *p(v) = s; return nil },
	}
}

func intField[T any](p func(*T) *int) field[T] {
	return field[T]{
		get: func(v *T) string { return strconv.Itoa(*p(v)) },
		set: func(v *T, s string) error {
			s = strings.TrimSpace(s)
			if s == "" {
				*p(v) = 0
				return nil
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			*p(v) = n
			return nil
		},
	}
}

func boolField[T any](p func(*T) *bool) field[T] {
	return field[T]{
		get: func(v *T) string { return strconv.FormatBool(*p(v)) },
		set: func(v *T, s string) error {
			s = strings.TrimSpace(s)
			if s == "" {
				*p(v) = false
				return nil
			}
			b, err := strconv.ParseBool(s)
			if err != nil {
				return err
			}
			*p(v) = b
			return nil
		},
	}
}

var entryFields = map[string]field[JournalEntry]{
	ColPID:           textField(func(e *JournalEntry) *string { return &e.PID }),
	ColEntryID:       textField(func(e *JournalEntry) *string { return &e.EntryID }),
	ColTimestamp:     textField(func(e *JournalEntry) *string { return &e.Timestamp }),
	ColEntrySubtype:  textField(func(e *JournalEntry) *string { return &e.Subtype }),
	ColContent:       textField(func(e *JournalEntry) *string { return &e.Content }),
	ColContentHash:   textField(func(e *JournalEntry) *string { return &e.ContentHash }),
	ColNamesRedacted: textField(func(e *JournalEntry) *string { return &e.NamesRedacted }),
	ColAnonymised:    textField(func(e *JournalEntry) *string { return &e.Anonymised }),
	ColRedactionFail: boolField(func(e *JournalEntry) *bool { return &e.RedactionFailed }),
	ColWordCount:     intField(func(e *JournalEntry) *int { return &e.WordCount }),
	ColEntryType: {
		get: func(e *JournalEntry) string { return string(e.Type) },
		set: func(e *JournalEntry, s string) error { return parseEntryType(s, &e.Type) },
	},
}

var utteranceFields = map[string]field[Utterance]{
	ColPID:       textField(func(u *Utterance) *string { return &u.PID }),
	ColEntryID:   textField(func(u *Utterance) *string { return &u.EntryID }),
	ColTimestamp: textField(func(u *Utterance) *string { return &u.Timestamp }),
	ColUtterance: textField(func(u *Utterance) *string { return &u.Text }),
	ColUttIndex:  intField(func(u *Utterance) *int { return &u.Index }),
	ColWordCount: intField(func(u *Utterance) *int { return &u.WordCount }),
	ColEntryType: {
		get: func(u *Utterance) string { return string(u.Type) },
		set: func(u *Utterance, s string) error { return parseEntryType(s, &u.Type) },
	},
	ColUttID: {
		get: func(u *Utterance) string { return u.ID() },
		set: func(*Utterance, string) error { return nil },
	},
}

func parseEntryType(s string, out *EntryType) error {
	switch t := EntryType(strings.TrimSpace(s)); t {
	case EntryRegular, EntrySummary:
		*out = t
		return nil
	case "":
		*out = EntryRegular
		return nil
	}
	return fmt.Errorf("unknown entry type %q", s)
}

// Column layouts of the numbered outputs.
var (
	PreprocessedColumns = []string{ColPID, ColTimestamp, ColEntryID, ColEntryType, ColEntrySubtype, ColContent, ColWordCount}
	AnonBothColumns     = []string{ColPID, ColTimestamp, ColEntryID, ColEntryType, ColEntrySubtype, ColContentHash, ColNamesRedacted, ColAnonymised, ColRedactionFail, ColWordCount}
	AnonContentColumns  = []string{ColPID, ColTimestamp, ColEntryID, ColEntryType, ColEntrySubtype, ColAnonymised, ColRedactionFail, ColWordCount}
	UtteranceColumns    = []string{ColPID, ColEntryID, ColEntryType, ColTimestamp, ColUttIndex, ColUttID, ColUtterance, ColWordCount}
	AnonEmailColumns    = []string{ColPID, ColJournalTime, ColEntryID, ColEntryType, ColJournalContent}
)

func encodeRows[T any](layout []string, fields map[string]field[T], rows []T) [][]string {
	out := make([][]string, 0, len(rows))
	for i := range rows {
		rec := make([]string, len(layout))
		for c, name := range layout {
			rec[c] = fields[name].get(&rows[i])
		}
		out = append(out, rec)
	}
	return out
}

func decodeRows[T any](t *fileutils.Table, layout []string, fields map[string]field[T]) ([]T, error) {
	if err := t.Require(layout...); err != nil {
		return nil, err
	}
	out := make([]T, len(t.Rows))
	for i, row := range t.Rows {
		for _, name := range layout {
			if err := fields[name].set(&out[i], t.Value(row, name)); err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i+1, name, err)
			}
		}
	}
	return out, nil
}

// EncodeEntries renders entries with one of the entry layouts.
func EncodeEntries(layout []string, entries []JournalEntry) ([]string, [][]string) {
	return layout, encodeRows(layout, entryFields, entries)
}

// DecodeEntries reads entries with one of the entry layouts.
func DecodeEntries(t *fileutils.Table, layout []string) ([]JournalEntry, error) {
	out, err := decodeRows(t, layout, entryFields)
	if err != nil {
		return nil, fmt.Errorf("DecodeEntries: %w", err)
	}
	return out, nil
}

// EncodeAnonEmail renders 1_journals_anon_email.csv: the bot journal export with PIDs in place of
// identity. EntryType there is the bot's own label.
func EncodeAnonEmail(entries []JournalEntry) ([]string, [][]string) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.PID, e.Timestamp, e.EntryID, e.Subtype, e.Content})
	}
	return AnonEmailColumns, rows
}

// DecodeAnonEmail is the inverse of EncodeAnonEmail.
func DecodeAnonEmail(t *fileutils.Table) ([]JournalEntry, error) {
	if err := t.Require(AnonEmailColumns...); err != nil {
		return nil, fmt.Errorf("DecodeAnonEmail: %w", err)
	}
	out := make([]JournalEntry, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, JournalEntry{
			PID:       t.Value(row, ColPID),
			Timestamp: t.Value(row, ColJournalTime),
			EntryID:   t.Value(row, ColEntryID),
			Type:      EntryRegular,
			Subtype:   t.Value(row, ColEntryType),
			Content:   t.Value(row, ColJournalContent),
		})
	}
	return out, nil
}

// EncodeUtterances renders 6_anon_utterances.csv.
func EncodeUtterances(utts []Utterance) ([]string, [][]string) {
	return UtteranceColumns, encodeRows(UtteranceColumns, utteranceFields, utts)
}

// DecodeUtterances is the inverse of EncodeUtterances.
func DecodeUtterances(t *fileutils.Table) ([]Utterance, error) {
	out, err := decodeRows(t, UtteranceColumns, utteranceFields)
	if err != nil {
		return nil, fmt.Errorf("DecodeUtterances: %w", err)
	}
	return out, nil
}

// BotUsersFromTable reads the bot's user table export.
func BotUsersFromTable(t *fileutils.Table) ([]BotUser, error) {
	if err := t.Require(ColTelegramID, ColEmail); err != nil {
		return nil, fmt.Errorf("BotUsersFromTable: %w", err)
	}
	out := make([]BotUser, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, BotUser{
			TelegramID: strings.TrimSpace(t.Value(row, ColTelegramID)),
			Email:      t.Value(row, ColEmail),
			StudyGroup: strings.TrimSpace(t.Value(row, ColGroup)),
		})
	}
	return out, nil
}

// RawJournalsFromTable reads the bot's saved journals export.
func RawJournalsFromTable(t *fileutils.Table) ([]RawJournal, error) {
	if err := t.Require(ColEntryID, ColTelegramID, ColJournalTime, ColJournalContent); err != nil {
		return nil, fmt.Errorf("RawJournalsFromTable: %w", err)
	}
	out := make([]RawJournal, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, RawJournal{
			EntryID:    t.Value(row, ColEntryID),
			TelegramID: t.Value(row, ColTelegramID),
			Timestamp:  t.Value(row, ColJournalTime),
			EntryType:  t.Value(row, ColEntryType),
			Content:    t.Value(row, ColJournalContent),
		})
	}
	return out, nil
}

// RawSummariesFromTable reads the bot's GPT summaries export. SummaryID is optional; the
// timestamp column may be Timestamp or SummaryTimestamp.
func RawSummariesFromTable(t *fileutils.Table) ([]RawSummary, error) {
	if err := t.Require(ColTelegramID, ColSummary); err != nil {
		return nil, fmt.Errorf("RawSummariesFromTable: %w", err)
	}
	tsCol := ColTimestamp
	if !t.Has(tsCol) {
		tsCol = "SummaryTimestamp"
	}
	out := make([]RawSummary, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, RawSummary{
			SummaryID:  t.Value(row, ColSummaryID),
			TelegramID: t.Value(row, ColTelegramID),
			Timestamp:  t.Value(row, tsCol),
			Summary:    t.Value(row, ColSummary),
		})
	}
	return out, nil
}

// EncodeSurveyTable renders 3_qualtrics_totals.csv.
func EncodeSurveyTable(s SurveyTable) ([]string, [][]string) {
	header := append([]string{ColEmail, ColPID}, surveyColumns(s.Columns, s.Waves)...)
	rows := make([][]string, 0, len(s.Rows))
	for _, r := range s.Rows {
		rec := []string{r.Email, r.PID}
		rec = append(rec, surveyCells(r, true, s.Columns, s.Waves)...)
		rows = append(rows, rec)
	}
	return header, rows
}

// DecodeSurveyTable is the inverse of EncodeSurveyTable. Columns other than Email and
// ParticipantID are score columns unless they end in "_Completed".
func DecodeSurveyTable(t *fileutils.Table) (SurveyTable, error) {
	if err := t.Require(ColEmail, ColPID); err != nil {
		return SurveyTable{}, fmt.Errorf("DecodeSurveyTable: %w", err)
	}
	var out SurveyTable
	out.Columns, out.Waves = splitSurveyColumns(t.Header, map[string]bool{ColEmail: true, ColPID: true})
	for i, row := range t.Rows {
		r := SurveyTotals{Email: t.Value(row, ColEmail), PID: t.Value(row, ColPID)}
		if _, err := readSurveyCells(t, row, &r, out.Columns, out.Waves); err != nil {
			return SurveyTable{}, fmt.Errorf("DecodeSurveyTable: row %d: %w", i+1, err)
		}
		out.Rows = append(out.Rows, r)
	}
	return out, nil
}

func surveyColumns(cols, waves []string) []string {
	out := append([]string(nil), cols...)
	for _, w := range waves {
		out = append(out, CompletedColumn(w))
	}
	return out
}

// surveyCells renders scores then completion flags. Completion cells are blank when the row has
// no survey record at all.
func surveyCells(s SurveyTotals, has bool, cols, waves []string) []string {
	out := make([]string, 0, len(cols)+len(waves))
	for _, c := range cols {
		out = append(out, s.Scores[c].String())
	}
	for _, w := range waves {
		if !has {
			out = append(out, "")
			continue
		}
		out = append(out, strconv.FormatBool(s.Completed[w]))
	}
	return out
}

func splitSurveyColumns(header []string, fixed map[string]bool) (cols, waves []string) {
	for _, h := range header {
		if fixed[h] || h == "" {
			continue
		}
		if w, ok := strings.CutSuffix(h, "_Completed"); ok {
			waves = append(waves, w)
			continue
		}
		cols = append(cols, h)
	}
	return cols, waves
}

// readSurveyCells fills scores and completion flags and reports whether any completion cell was
// set.
func readSurveyCells(t *fileutils.Table, row []string, r *SurveyTotals, cols, waves []string) (bool, error) {
	r.Scores = make(map[string]Score, len(cols))
	r.Completed = make(map[string]bool, len(waves))
	for _, c := range cols {
		s, err := ParseScore(t.Value(row, c))
		if err != nil {
			return false, fmt.Errorf("column %s: %w", c, err)
		}
		r.Scores[c] = s
	}
	has := false
	for _, w := range waves {
		raw := strings.TrimSpace(t.Value(row, CompletedColumn(w)))
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("column %s: %w", CompletedColumn(w), err)
		}
		r.Completed[w] = b
		has = true
	}
	return has, nil
}

// TableLayout selects the optional identity and status columns of a merged table.
type TableLayout struct {
	Email  bool
	Status bool
}

var (
	// LayoutMerged is 7_qual_jour_merged.csv and 9_qual_utt_merged.csv.
	LayoutMerged = TableLayout{Email: true}
	// LayoutMergedAnon is 8_ and 10_.
	LayoutMergedAnon = TableLayout{}
	// LayoutStatus is 11_ to 15_ (journal and utterance levels).
	LayoutStatus = TableLayout{Status: true}
)

func (l TableLayout) prefix() []string {
	if l.Email {
		return []string{ColEmail}
	}
	return nil
}

func (l TableLayout) suffix() []string {
	if l.Status {
		return []string{ColGroup, ColStatus}
	}
	return nil
}

// EncodeJournalTable renders a journal-level merged table.
func EncodeJournalTable(t JournalTable, l TableLayout) ([]string, [][]string) {
	header := joinColumns(l.prefix(), AnonContentColumns, surveyColumns(t.Columns, t.Waves), l.suffix())
	rows := make([][]string, 0, len(t.Rows))
	for i := range t.Rows {
		r := &t.Rows[i]
		rec := make([]string, 0, len(header))
		if l.Email {
			rec = append(rec, r.Email)
		}
		for _, c := range AnonContentColumns {
			rec = append(rec, entryFields[c].get(&r.JournalEntry))
		}
		rec = append(rec, surveyCells(r.Survey, r.HasSurvey, t.Columns, t.Waves)...)
		if l.Status {
			rec = append(rec, r.Group, r.Status)
		}
		rows = append(rows, rec)
	}
	return header, rows
}

// DecodeJournalTable reads any journal-level merged table. Email, StudyGroup and Status are read
// when present.
func DecodeJournalTable(t *fileutils.Table) (JournalTable, error) {
	entries, err := decodeRows(t, AnonContentColumns, entryFields)
	if err != nil {
		return JournalTable{}, fmt.Errorf("DecodeJournalTable: %w", err)
	}
	var out JournalTable
	out.Columns, out.Waves = splitSurveyColumns(t.Header, fixedColumns(AnonContentColumns))
	out.Rows = make([]JournalRecord, 0, len(entries))
	for i, row := range t.Rows {
		rec := JournalRecord{
			JournalEntry: entries[i],
			Email:        t.Value(row, ColEmail),
			Group:        t.Value(row, ColGroup),
			Status:       t.Value(row, ColStatus),
		}
		has, err := readSurveyCells(t, row, &rec.Survey, out.Columns, out.Waves)
		if err != nil {
			return JournalTable{}, fmt.Errorf("DecodeJournalTable: row %d: %w", i+1, err)
		}
		rec.HasSurvey = has
		if has {
			rec.Survey.PID = rec.PID
			rec.Survey.Email = rec.Email
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

// EncodeUtteranceTable renders an utterance-level merged table.
func EncodeUtteranceTable(t UtteranceTable, l TableLayout) ([]string, [][]string) {
	header := joinColumns(l.prefix(), UtteranceColumns, surveyColumns(t.Columns, t.Waves), l.suffix())
	rows := make([][]string, 0, len(t.Rows))
	for i := range t.Rows {
		r := &t.Rows[i]
		rec := make([]string, 0, len(header))
		if l.Email {
			rec = append(rec, r.Email)
		}
		for _, c := range UtteranceColumns {
			rec = append(rec, utteranceFields[c].get(&r.Utterance))
		}
		rec = append(rec, surveyCells(r.Survey, r.HasSurvey, t.Columns, t.Waves)...)
		if l.Status {
			rec = append(rec, r.Group, r.Status)
		}
		rows = append(rows, rec)
	}
	return header, rows
}

// DecodeUtteranceTable reads any utterance-level merged table.
func DecodeUtteranceTable(t *fileutils.Table) (UtteranceTable, error) {
	utts, err := decodeRows(t, UtteranceColumns, utteranceFields)
	if err != nil {
		return UtteranceTable{}, fmt.Errorf("DecodeUtteranceTable: %w", err)
	}
	var out UtteranceTable
	out.Columns, out.Waves = splitSurveyColumns(t.Header, fixedColumns(UtteranceColumns))
	out.Rows = make([]UtteranceRecord, 0, len(utts))
	for i, row := range t.Rows {
		rec := UtteranceRecord{
			Utterance: utts[i],
			Email:     t.Value(row, ColEmail),
			Group:     t.Value(row, ColGroup),
			Status:    t.Value(row, ColStatus),
		}
		has, err := readSurveyCells(t, row, &rec.Survey, out.Columns, out.Waves)
		if err != nil {
			return UtteranceTable{}, fmt.Errorf("DecodeUtteranceTable: row %d: %w", i+1, err)
		}
		rec.HasSurvey = has
		if has {
			rec.Survey.PID = rec.PID
			rec.Survey.Email = rec.Email
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

// EncodeParticipants renders 13_participants_final_filtered.csv.
func EncodeParticipants(t ParticipantTable) ([]string, [][]string) {
	header := joinColumns([]string{ColPID, ColGroup, ColStatus, ColQualifying}, t.Columns, t.ChangeColumns)
	rows := make([][]string, 0, len(t.Rows))
	for _, p := range t.Rows {
		rec := []string{p.PID, p.Group, p.Status, strconv.Itoa(p.QualifyingEntries)}
		for _, c := range t.Columns {
			rec = append(rec, p.Scores[c].String())
		}
		for _, c := range t.ChangeColumns {
			rec = append(rec, p.Changes[c].String())
		}
		rows = append(rows, rec)
	}
	return header, rows
}

func fixedColumns(layout []string) map[string]bool {
	out := map[string]bool{ColEmail: true, ColGroup: true, ColStatus: true}
	for _, c := range layout {
		out[c] = true
	}
	return out
}

func joinColumns(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
