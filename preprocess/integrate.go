package preprocess

// MergeJournals left-joins survey data onto journal entries by PID. Every entry is kept; entries
// whose participant has no survey row carry undefined scores.
func MergeJournals(entries []JournalEntry, surveys SurveyTable) JournalTable {
	byPID := surveys.ByPID()
	out := JournalTable{Waves: surveys.Waves, Columns: surveys.Columns, Rows: make([]JournalRecord, 0, len(entries))}
	for _, e := range entries {
		rec := JournalRecord{JournalEntry: e}
		if s, ok := byPID[e.PID]; ok {
			rec.Email = s.Email
			rec.Survey = s
			rec.HasSurvey = true
		}
		out.Rows = append(out.Rows, rec)
	}
	return out
}

// MergeUtterances left-joins survey data onto utterances by PID.
func MergeUtterances(utts []Utterance, surveys SurveyTable) UtteranceTable {
	byPID := surveys.ByPID()
	out := UtteranceTable{Waves: surveys.Waves, Columns: surveys.Columns, Rows: make([]UtteranceRecord, 0, len(utts))}
	for _, u := range utts {
		rec := UtteranceRecord{Utterance: u}
		if s, ok := byPID[u.PID]; ok {
			rec.Email = s.Email
			rec.Survey = s
			rec.HasSurvey = true
		}
		out.Rows = append(out.Rows, rec)
	}
	return out
}
