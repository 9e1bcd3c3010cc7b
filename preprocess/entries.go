package preprocess

import (
	"sort"
	"strconv"
	"strings"
)

// SummarySubtype labels GPT summaries in the EntrySubtype column.
const SummarySubtype = "GptSummary"

// NormalizeEntries unions identity-resolved journal entries with GPT summaries, cleans text,
// normalises timestamps and derives word counts. Every journal entry is kept; summaries whose
// TelegramID has no participant are flagged and left out.
func NormalizeEntries(entries []JournalEntry, summaries []RawSummary, byTelegram map[string]string, opts TextOptions) ([]JournalEntry, []Flag) {
	fl := &flagger{stage: "entries", dataset: "2_journals_preprocessed"}
	out := make([]JournalEntry, 0, len(entries)+len(summaries))

	for _, e := range entries {
		e.Type = EntryRegular
		e.Content = CleanText(e.Content, opts)
		e.WordCount = WordCount(e.Content)
		ts, ok := NormalizeTimestamp(e.Timestamp)
		if !ok {
			fl.add(e.EntryID, ReasonUnparsedTimestamp, "")
		}
		e.Timestamp = ts
		out = append(out, e)
	}

	type pending struct {
		JournalEntry
		sourceID string
		row      int
	}
	var sums []pending
	fl.dataset = "tsj_gptsummaries"
	for i, s := range summaries {
		pid, ok := byTelegram[strings.TrimSpace(s.TelegramID)]
		if !ok {
			fl.add("row "+strconv.Itoa(i+1), ReasonUnknownTelegramID, "summary")
			continue
		}
		ts, tsOK := NormalizeTimestamp(s.Timestamp)
		if !tsOK && strings.TrimSpace(s.Timestamp) != "" {
			fl.add("row "+strconv.Itoa(i+1), ReasonUnparsedTimestamp, "summary")
		}
		content := CleanText(s.Summary, opts)
		sums = append(sums, pending{
			JournalEntry: JournalEntry{
				PID:       pid,
				Timestamp: ts,
				Type:      EntrySummary,
				Subtype:   SummarySubtype,
				Content:   content,
				WordCount: WordCount(content),
			},
			sourceID: strings.TrimSpace(s.SummaryID),
			row:      i,
		})
	}

	// Summaries without an export ID are numbered per participant in time order.
	sort.SliceStable(sums, func(i, j int) bool {
		if sums[i].PID != sums[j].PID {
			return sums[i].PID < sums[j].PID
		}
		switch {
		case entryLess(sums[i].JournalEntry, sums[j].JournalEntry):
			return true
		case entryLess(sums[j].JournalEntry, sums[i].JournalEntry):
			return false
		}
		return sums[i].row < sums[j].row
	})
	taken := make(map[string]struct{}, len(out)+len(sums))
	for _, e := range out {
		taken[e.EntryID] = struct{}{}
	}
	perPID := map[string]int{}
	for _, s := range sums {
		perPID[s.PID]++
		id := s.PID + "_summary_" + strconv.Itoa(perPID[s.PID])
		if s.sourceID != "" {
			id = "summary_" + s.sourceID
		}
		if _, dup := taken[id]; dup {
			fl.add(id, ReasonDuplicateEntryID, "summary")
			continue
		}
		taken[id] = struct{}{}
		s.EntryID = id
		out = append(out, s.JournalEntry)
	}

	sortEntries(out)
	return out, fl.flags
}
