package preprocess

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

// WaveSpec describes one survey export.
type WaveSpec struct {
	// Name is the wave label used in column names, e.g. "Baseline".
	Name string

	// Prefix is the one-letter score column prefix, e.g. "B".
	Prefix string

	// EmailColumn holds the respondent email ("Email", or "intro-email" for prescreening).
	EmailColumn string

	// TimestampColumn orders duplicate submissions (defaults to "StartDate").
	TimestampColumn string

	// HeaderRows is the number of metadata rows after the header in raw exports (question text
	// and import IDs). They are skipped when they do not hold an email.
	HeaderRows int
}

// WaveScores holds the scored rows of one wave keyed by normalised email.
type WaveScores struct {
	Wave    WaveSpec
	Columns []string
	Rows    map[string]map[string]Score
}

type waveSubmission struct {
	row    int
	at     time.Time
	hasAt  bool
	scores map[string]Score
}

// ScoreWave cleans one survey export and scores every instrument it carries. Emails that are
// malformed or excluded are flagged and skipped; for duplicate submissions the most recent
// timestamp wins, ties going to the later row.
func ScoreWave(t *fileutils.Table, wave WaveSpec, instruments []Instrument, idOpts IdentityOptions) (WaveScores, []Flag, error) {
	if t == nil {
		return WaveScores{}, nil, errors.New("ScoreWave: table is nil")
	}
	if wave.TimestampColumn == "" {
		wave.TimestampColumn = "StartDate"
	}
	if err := t.Require(wave.EmailColumn); err != nil {
		return WaveScores{}, nil, fmt.Errorf("ScoreWave %s: %w", wave.Name, err)
	}
	fl := &flagger{stage: "surveys", dataset: wave.Name}

	type layout struct {
		ins   Instrument
		items map[int]int // item number -> column index
	}
	var layouts []layout
	res := WaveScores{Wave: wave, Rows: map[string]map[string]Score{}}
	for _, ins := range instruments {
		items := map[int]int{}
		for ci, h := range t.Header {
			if n, ok := ins.ItemNumber(h); ok {
				if _, dup := items[n]; !dup {
					items[n] = ci
				}
			}
		}
		if len(items) == 0 {
			continue
		}
		if ins.ItemCount > 0 && len(items) < ins.ItemCount {
			fl.add(ins.Name, ReasonIncompleteItems, fmt.Sprintf("export has %d of %d items", len(items), ins.ItemCount))
		}
		layouts = append(layouts, layout{ins: ins, items: items})
		res.Columns = append(res.Columns, ins.ScoreColumns(wave.Prefix)...)
	}

	best := map[string]waveSubmission{}
	for i, row := range t.Rows {
		rawEmail := t.Value(row, wave.EmailColumn)
		email, err := NormalizeEmail(rawEmail, idOpts.Aliases)
		if err != nil {
			if i < wave.HeaderRows {
				continue
			}
			fl.add("row "+strconv.Itoa(i+1), ReasonMalformedEmail, err.Error())
			continue
		}
		if idOpts.Excluded(email) {
			fl.add("row "+strconv.Itoa(i+1), ReasonExcludedEmail, MaskEmail(email))
			continue
		}

		sub := waveSubmission{row: i, scores: map[string]Score{}}
		sub.at, sub.hasAt = ParseTimestamp(t.Value(row, wave.TimestampColumn))
		for _, l := range layouts {
			answers := make(map[int]string, len(l.items))
			present := make([]int, 0, len(l.items))
			for n, ci := range l.items {
				present = append(present, n)
				if ci < len(row) {
					answers[n] = row[ci]
				}
			}
			sort.Ints(present)
			for part, s := range l.ins.Score(answers, present) {
				sub.scores[wave.Prefix+"_"+l.ins.Name+"_"+part] = s
			}
		}

		prev, seen := best[email]
		if !seen {
			best[email] = sub
			continue
		}
		if newerSubmission(sub, prev) {
			best[email] = sub
			fl.add("row "+strconv.Itoa(prev.row+1), ReasonDuplicateSubmission, "superseded by row "+strconv.Itoa(i+1))
		} else {
			fl.add("row "+strconv.Itoa(i+1), ReasonDuplicateSubmission, "superseded by row "+strconv.Itoa(prev.row+1))
		}
	}

	for email, sub := range best {
		res.Rows[email] = sub.scores
	}
	return res, fl.flags, nil
}

func newerSubmission(a, b waveSubmission) bool {
	switch {
	case a.hasAt && b.hasAt && !a.at.Equal(b.at):
		return a.at.After(b.at)
	case a.hasAt != b.hasAt:
		return a.hasAt
	}
	return a.row > b.row
}

// MergeWaves outer-joins waves into one wide record per email and attaches PIDs. Respondents
// without a PID are kept and flagged.
func MergeWaves(waves []WaveScores, idmap *IdentityMap) (SurveyTable, []Flag) {
	fl := &flagger{stage: "surveys", dataset: "3_qualtrics_totals"}
	var out SurveyTable
	emails := map[string]struct{}{}
	for _, w := range waves {
		out.Waves = append(out.Waves, w.Wave.Name)
		out.Columns = append(out.Columns, w.Columns...)
		for e := range w.Rows {
			emails[e] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(emails))
	for e := range emails {
		sorted = append(sorted, e)
	}
	sort.Strings(sorted)

	for _, email := range sorted {
		row := SurveyTotals{Email: email, Scores: map[string]Score{}, Completed: map[string]bool{}}
		for _, w := range waves {
			scores, ok := w.Rows[email]
			row.Completed[w.Wave.Name] = ok
			for k, v := range scores {
				row.Scores[k] = v
			}
		}
		if idmap != nil {
			if pid, ok := idmap.Resolve(email); ok {
				row.PID = pid
			}
		}
		if row.PID == "" {
			fl.add(MaskEmail(email), ReasonUnmappedEmail, "survey respondent has no participant id")
		}
		out.Rows = append(out.Rows, row)
	}
	return out, fl.flags
}

// CompletedColumn names the completion flag column for a wave.
func CompletedColumn(wave string) string {
	return strings.TrimSpace(wave) + "_Completed"
}
