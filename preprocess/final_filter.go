package preprocess

import (
	"fmt"
	"sort"
	"strings"
)

// FilterOptions configures the participant inclusion predicate and the emitted rows.
type FilterOptions struct {
	// RequiredScores must all be defined.
	RequiredScores []string

	// NonZeroScores must all be non-zero.
	NonZeroScores []string

	// MinWordCount is the smallest word count of a qualifying entry.
	MinWordCount int

	// CountSummaries lets summary entries count towards MinEntries.
	CountSummaries bool

	// MinEntries is the number of qualifying entries a participant needs.
	MinEntries int

	// EligibleStatuses lists statuses that may be included.
	EligibleStatuses []string

	// ChangeInstruments get a Change_<name> column: exit total minus baseline total.
	ChangeInstruments []string
	BaselinePrefix    string
	ExitPrefix        string

	// ExcludeSummariesFromOutput drops summary entries (and their utterances) from the emitted
	// journal and utterance tables. It does not affect the inclusion count.
	ExcludeSummariesFromOutput bool
}

// DefaultFilterOptions is the study's analysis inclusion rule.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{
		RequiredScores: []string{
			"B_WEMWBS_Total", "B_GAD7_Total", "B_PHQ9_Total",
			"E_WEMWBS_Total", "E_GAD7_Total", "E_PHQ9_Total",
		},
		NonZeroScores:     []string{"B_WEMWBS_Total", "E_WEMWBS_Total"},
		MinWordCount:      4,
		MinEntries:        6,
		EligibleStatuses:  []string{"Eligible", "Insufficient"},
		ChangeInstruments: []string{"WEMWBS", "GAD7", "PHQ9"},
		BaselinePrefix:    "B",
		ExitPrefix:        "E",
	}
}

// Qualifies reports whether an entry counts towards MinEntries.
func (o FilterOptions) Qualifies(e JournalEntry) bool {
	if e.Type == EntrySummary && !o.CountSummaries {
		return false
	}
	if e.RedactionFailed {
		return false
	}
	return e.WordCount >= o.MinWordCount
}

// ParticipantFacts is what the inclusion predicate looks at.
type ParticipantFacts struct {
	PID               string
	Scores            map[string]Score
	Status            string
	QualifyingEntries int
}

// Include evaluates the inclusion predicate and returns the failed conditions.
func Include(p ParticipantFacts, opts FilterOptions) (bool, []string) {
	var reasons []string
	var missing []string
	for _, c := range opts.RequiredScores {
		if !p.Scores[c].Defined {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		reasons = append(reasons, "missing scores "+strings.Join(missing, ","))
	}
	for _, c := range opts.NonZeroScores {
		if s := p.Scores[c]; s.Defined && s.Value == 0 {
			reasons = append(reasons, "zero "+c)
		}
	}
	if p.QualifyingEntries < opts.MinEntries {
		reasons = append(reasons, fmt.Sprintf("%d qualifying entries < %d", p.QualifyingEntries, opts.MinEntries))
	}
	eligible := false
	for _, s := range opts.EligibleStatuses {
		if p.Status == s {
			eligible = true
			break
		}
	}
	if !eligible {
		reasons = append(reasons, "status "+p.Status)
	}
	return len(reasons) == 0, reasons
}

// Participant is one row of the final participants table.
type Participant struct {
	PID               string
	Group             string
	Status            string
	QualifyingEntries int
	Scores            map[string]Score
	Changes           map[string]Score
}

// ParticipantTable is the final participant-level dataset.
type ParticipantTable struct {
	Columns       []string
	ChangeColumns []string
	Rows          []Participant
}

// FinalDatasets is the synchronised participant/journal/utterance triad.
type FinalDatasets struct {
	Participants ParticipantTable
	Journals     JournalTable
	Utterances   UtteranceTable
	// Excluded counts excluded participants per failed condition.
	Excluded map[string]int
}

// FinalFilter applies the inclusion predicate and emits the three mutually consistent tables.
func FinalFilter(journals JournalTable, utterances UtteranceTable, opts FilterOptions) (FinalDatasets, []Flag, error) {
	fl := &flagger{stage: "final", dataset: "13_participants_final_filtered"}

	facts := map[string]*ParticipantFacts{}
	meta := map[string]JournalRecord{}
	var order []string
	for _, r := range journals.Rows {
		f, ok := facts[r.PID]
		if !ok {
			f = &ParticipantFacts{PID: r.PID, Scores: r.Survey.Scores, Status: r.Status}
			facts[r.PID] = f
			meta[r.PID] = r
			order = append(order, r.PID)
		}
		if opts.Qualifies(r.JournalEntry) {
			f.QualifyingEntries++
		}
	}
	sort.Strings(order)

	changeCols := make([]string, 0, len(opts.ChangeInstruments))
	for _, ins := range opts.ChangeInstruments {
		changeCols = append(changeCols, "Change_"+ins)
	}
	out := FinalDatasets{
		Participants: ParticipantTable{Columns: journals.Columns, ChangeColumns: changeCols},
		Journals:     JournalTable{Waves: journals.Waves, Columns: journals.Columns},
		Utterances:   UtteranceTable{Waves: utterances.Waves, Columns: utterances.Columns},
		Excluded:     map[string]int{},
	}

	included := map[string]bool{}
	for _, pid := range order {
		f := facts[pid]
		ok, reasons := Include(*f, opts)
		if !ok {
			for _, r := range reasons {
				out.Excluded[reasonKey(r)]++
			}
			fl.add(pid, ReasonNotIncluded, strings.Join(reasons, "; "))
			continue
		}
		included[pid] = true
		m := meta[pid]
		p := Participant{
			PID:               pid,
			Group:             m.Group,
			Status:            m.Status,
			QualifyingEntries: f.QualifyingEntries,
			Scores:            f.Scores,
			Changes:           map[string]Score{},
		}
		for i, ins := range opts.ChangeInstruments {
			b := f.Scores[opts.BaselinePrefix+"_"+ins+"_Total"]
			e := f.Scores[opts.ExitPrefix+"_"+ins+"_Total"]
			p.Changes[changeCols[i]] = e.Sub(b)
		}
		out.Participants.Rows = append(out.Participants.Rows, p)
	}

	emitted := map[string]bool{}
	for _, r := range journals.Rows {
		if !included[r.PID] {
			continue
		}
		if opts.ExcludeSummariesFromOutput && r.Type == EntrySummary {
			continue
		}
		emitted[r.EntryID] = true
		out.Journals.Rows = append(out.Journals.Rows, r)
	}
	for _, u := range utterances.Rows {
		if included[u.PID] && emitted[u.EntryID] {
			out.Utterances.Rows = append(out.Utterances.Rows, u)
		}
	}

	if err := CheckConsistency(out); err != nil {
		return FinalDatasets{}, nil, fmt.Errorf("FinalFilter: %w", err)
	}
	return out, fl.flags, nil
}

func reasonKey(r string) string {
	switch {
	case strings.HasPrefix(r, "missing scores"):
		return "missing_scores"
	case strings.HasPrefix(r, "zero "):
		return "zero_wemwbs"
	case strings.Contains(r, "qualifying entries"):
		return "too_few_entries"
	case strings.HasPrefix(r, "status "):
		return "status"
	}
	return "other"
}

// CheckConsistency verifies that journal PIDs are a subset of participant PIDs and that every
// utterance has an emitted parent entry.
func CheckConsistency(d FinalDatasets) error {
	pids := make(map[string]bool, len(d.Participants.Rows))
	for _, p := range d.Participants.Rows {
		if pids[p.PID] {
			return fmt.Errorf("duplicate participant %s", p.PID)
		}
		pids[p.PID] = true
	}
	entries := make(map[string]string, len(d.Journals.Rows))
	for _, j := range d.Journals.Rows {
		if !pids[j.PID] {
			return fmt.Errorf("journal %s references participant %s not in participants table", j.EntryID, j.PID)
		}
		entries[j.EntryID] = j.PID
	}
	for _, u := range d.Utterances.Rows {
		pid, ok := entries[u.EntryID]
		if !ok {
			return fmt.Errorf("utterance %s has no parent journal entry", u.ID())
		}
		if pid != u.PID {
			return fmt.Errorf("utterance %s participant %s differs from parent %s", u.ID(), u.PID, pid)
		}
	}
	return nil
}

// GroupCounts tallies included participants per study group.
func (t ParticipantTable) GroupCounts() map[string]int {
	out := map[string]int{}
	for _, p := range t.Rows {
		g := p.Group
		if g == "" {
			g = "none"
		}
		out[g]++
	}
	return out
}
