package preprocess

import (
	"sort"
	"strconv"
	"strings"
)

// Flag records a row that a stage excluded or marked for human review. Flags never carry raw
// journal text; emails are masked.
type Flag struct {
	Stage   string
	Dataset string
	Key     string
	Reason  string
	Detail  string
}

// Flag reasons.
const (
	ReasonMalformedEmail      = "malformed_email"
	ReasonExcludedEmail       = "excluded_email"
	ReasonUnmappedEmail       = "unmapped_email"
	ReasonUnknownTelegramID   = "unknown_telegram_id"
	ReasonConflictingUser     = "conflicting_user"
	ReasonMissingEntryID      = "missing_entry_id"
	ReasonDuplicateEntryID    = "duplicate_entry_id"
	ReasonDuplicateSubmission = "duplicate_submission"
	ReasonUnparsedTimestamp   = "unparsed_timestamp"
	ReasonIncompleteItems     = "incomplete_instrument_items"
	ReasonRedactionFailed     = "redaction_failed"
	ReasonNotIncluded         = "not_included"
	ReasonMissingSurvey       = "missing_survey"
)

// Report summarises one stage run.
type Report struct {
	Stage   string
	RowsIn  int
	RowsOut int
	Flags   []Flag
	Outputs []string
}

// FlagCounts returns the number of flags per reason.
func FlagCounts(flags []Flag) map[string]int {
	out := make(map[string]int)
	for _, f := range flags {
		out[f.Reason]++
	}
	return out
}

// FormatCounts renders counts as "a=1 b=2" in key order.
func FormatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Itoa(counts[k]))
	}
	return strings.Join(parts, " ")
}

type flagger struct {
	stage   string
	dataset string
	flags   []Flag
}

func (f *flagger) add(key, reason, detail string) {
	f.flags = append(f.flags, Flag{Stage: f.stage, Dataset: f.dataset, Key: key, Reason: reason, Detail: detail})
}
