package preprocess

import "strings"

// Segmenter splits text into sentences in order.
type Segmenter interface {
	Segment(text string) []string
}

// SegmenterFunc adapts a function to Segmenter.
type SegmenterFunc func(text string) []string

func (f SegmenterFunc) Segment(text string) []string { return f(text) }

// SegmentEntries splits each entry's fully anonymised text into utterances indexed from 0.
// Empty text and failed redactions yield no utterances.
func SegmentEntries(entries []JournalEntry, seg Segmenter) []Utterance {
	var out []Utterance
	for _, e := range entries {
		if e.RedactionFailed || strings.TrimSpace(e.Anonymised) == "" {
			continue
		}
		idx := 0
		for _, s := range seg.Segment(e.Anonymised) {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			out = append(out, Utterance{
				PID:       e.PID,
				EntryID:   e.EntryID,
				Type:      e.Type,
				Timestamp: e.Timestamp,
				Index:     idx,
				Text:      s,
				WordCount: WordCount(s),
			})
			idx++
		}
	}
	return out
}
