package preprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// AnonymiseOptions controls AnonymiseEntries.
type AnonymiseOptions struct {
	// Concurrency bounds in-flight redaction calls (defaults to 1).
	Concurrency int

	// Previous holds rows from an earlier run. A row is reused when its entry ID and content hash
	// match and its redaction did not fail.
	Previous []JournalEntry

	// Progress, when set, is called after each entry completes.
	Progress func(done, total int)
}

// AnonymiseResult is the output of AnonymiseEntries.
type AnonymiseResult struct {
	Entries  []JournalEntry
	Reused   int
	Redacted int
	Failed   int
}

// ContentHash fingerprints raw content so reruns can detect edited entries.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// AnonymiseEntries produces the names-only and fully anonymised variants of every entry. A
// failed redaction leaves both variants empty and flags the entry; raw content is never copied
// into a redacted field. The returned entries keep input order.
func AnonymiseEntries(ctx context.Context, entries []JournalEntry, names, full Redactor, opts AnonymiseOptions) (AnonymiseResult, []Flag, error) {
	if ctx == nil {
		return AnonymiseResult{}, nil, errors.New("AnonymiseEntries: ctx is nil")
	}
	if names == nil || full == nil {
		return AnonymiseResult{}, nil, errors.New("AnonymiseEntries: redactor is nil")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	prev := make(map[string]JournalEntry, len(opts.Previous))
	for _, p := range opts.Previous {
		if !p.RedactionFailed && p.ContentHash != "" {
			prev[p.EntryID] = p
		}
	}

	out := make([]JournalEntry, len(entries))
	errs := make([]error, len(entries))
	var res AnonymiseResult

	sem := make(chan struct{}, opts.Concurrency)
	var mu sync.Mutex
	done := 0
	wg := sync.WaitGroup{}
	for i := range entries {
		e := entries[i]
		e.ContentHash = ContentHash(e.Content)
		if p, ok := prev[e.EntryID]; ok && p.ContentHash == e.ContentHash {
			e.NamesRedacted = p.NamesRedacted
			e.Anonymised = p.Anonymised
			e.WordCount = WordCount(e.Anonymised)
			out[i] = e
			res.Reused++
			continue
		}

		wg.Add(1)
		go func(i int, e JournalEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := ctx.Err()
			if err == nil {
				e, err = redactEntry(ctx, e, names, full)
			}
			if err != nil {
				e.NamesRedacted = ""
				e.Anonymised = ""
				e.RedactionFailed = true
			}
			e.WordCount = WordCount(e.Anonymised)
			out[i] = e
			errs[i] = err

			if opts.Progress != nil {
				// Progress runs under mu so callers see ordered counts from one goroutine at a time.
				mu.Lock()
				done++
				opts.Progress(done, len(entries))
				mu.Unlock()
			}
		}(i, e)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return AnonymiseResult{}, nil, fmt.Errorf("AnonymiseEntries: %w", err)
	}

	fl := &flagger{stage: "anonymise", dataset: "4_journals_anon_content_both"}
	for i, err := range errs {
		switch {
		case err != nil:
			res.Failed++
			fl.add(out[i].EntryID, ReasonRedactionFailed, err.Error())
		case !isReused(out[i], prev):
			res.Redacted++
		}
	}
	res.Entries = out
	return res, fl.flags, nil
}

func isReused(e JournalEntry, prev map[string]JournalEntry) bool {
	p, ok := prev[e.EntryID]
	return ok && p.ContentHash == e.ContentHash
}

func redactEntry(ctx context.Context, e JournalEntry, names, full Redactor) (JournalEntry, error) {
	if e.Content == "" {
		return e, nil
	}
	n, err := names.Redact(ctx, e.Content)
	if err != nil {
		return e, fmt.Errorf("names variant: %w", err)
	}
	f, err := full.Redact(ctx, e.Content)
	if err != nil {
		return e, fmt.Errorf("full variant: %w", err)
	}
	if ContainsContactDetails(n) || ContainsContactDetails(f) {
		return e, errors.New("contact details remain after redaction")
	}
	e.NamesRedacted = n
	e.Anonymised = f
	return e, nil
}
