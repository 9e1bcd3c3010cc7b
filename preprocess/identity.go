package preprocess

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IdentityOptions controls email normalisation and PID allocation.
type IdentityOptions struct {
	// PIDPrefix is prepended to the allocation counter (defaults to "P").
	PIDPrefix string

	// PIDWidth zero-pads the counter (defaults to 4).
	PIDWidth int

	// Aliases maps a known alternate address to the address used for identity.
	Aliases map[string]string

	// ExcludedSuffixes drops survey responses from addresses ending in any of these (panel
	// providers, test domains).
	ExcludedSuffixes []string

	// ExcludedEmails drops survey responses from these exact addresses.
	ExcludedEmails []string
}

func (o IdentityOptions) withDefaults() IdentityOptions {
	if o.PIDPrefix == "" {
		o.PIDPrefix = "P"
	}
	if o.PIDWidth <= 0 {
		o.PIDWidth = 4
	}
	return o
}

// Excluded reports whether a normalised email is on the exclusion lists.
func (o IdentityOptions) Excluded(email string) bool {
	for _, s := range o.ExcludedSuffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && strings.HasSuffix(email, s) {
			return true
		}
	}
	for _, e := range o.ExcludedEmails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

// IdentityMap is the persistent email -> PID mapping. Entries are never reassigned; new emails
// get the next counter value after the highest PID already issued.
type IdentityMap struct {
	opts    IdentityOptions
	byEmail map[string]string
	byPID   map[string]string
	next    int
}

// NewIdentityMap loads existing entries. Two emails sharing one PID is an error.
func NewIdentityMap(entries map[string]string, opts IdentityOptions) (*IdentityMap, error) {
	opts = opts.withDefaults()
	m := &IdentityMap{
		opts:    opts,
		byEmail: make(map[string]string, len(entries)),
		byPID:   make(map[string]string, len(entries)),
		next:    1,
	}
	emails := make([]string, 0, len(entries))
	for e := range entries {
		emails = append(emails, e)
	}
	sort.Strings(emails)
	for _, email := range emails {
		pid := strings.TrimSpace(entries[email])
		if pid == "" {
			return nil, fmt.Errorf("NewIdentityMap: empty PID for %s", MaskEmail(email))
		}
		if other, dup := m.byPID[pid]; dup {
			return nil, fmt.Errorf("NewIdentityMap: PID %s assigned to both %s and %s", pid, MaskEmail(other), MaskEmail(email))
		}
		m.byEmail[email] = pid
		m.byPID[pid] = email
		if n, ok := m.counter(pid); ok && n >= m.next {
			m.next = n + 1
		}
	}
	return m, nil
}

func (m *IdentityMap) counter(pid string) (int, bool) {
	rest, ok := strings.CutPrefix(pid, m.opts.PIDPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Resolve looks up a normalised email.
func (m *IdentityMap) Resolve(email string) (string, bool) {
	pid, ok := m.byEmail[email]
	return pid, ok
}

// Assign returns the PID for email, allocating the next one if the email is new.
func (m *IdentityMap) Assign(email string) (string, bool) {
	if pid, ok := m.byEmail[email]; ok {
		return pid, false
	}
	for {
		pid := fmt.Sprintf("%s%0*d", m.opts.PIDPrefix, m.opts.PIDWidth, m.next)
		m.next++
		if _, taken := m.byPID[pid]; taken {
			continue
		}
		m.byEmail[email] = pid
		m.byPID[pid] = email
		return pid, true
	}
}

// Entries returns a copy of the mapping for persistence.
func (m *IdentityMap) Entries() map[string]string {
	out := make(map[string]string, len(m.byEmail))
	for k, v := range m.byEmail {
		out[k] = v
	}
	return out
}

func (m *IdentityMap) Len() int { return len(m.byEmail) }

// Options returns the options the map was built with.
func (m *IdentityMap) Options() IdentityOptions { return m.opts }

// ResolveEmail normalises raw and resolves it without allocating.
func (m *IdentityMap) ResolveEmail(raw string) (email, pid string, err error) {
	email, err = NormalizeEmail(raw, m.opts.Aliases)
	if err != nil {
		return "", "", err
	}
	pid, _ = m.Resolve(email)
	return email, pid, nil
}

// IdentityResult is the output of ResolveIdentities.
type IdentityResult struct {
	Entries  []JournalEntry
	Assigned int
}

// ResolveIdentities assigns PIDs to bot users in file order and rewrites the journal export with
// PIDs in place of identity. Malformed or unmapped rows are flagged and left out. The exclusion
// lists apply to survey responses only, so every well-formed bot user gets a PID.
func ResolveIdentities(users []BotUser, journals []RawJournal, idmap *IdentityMap) (IdentityResult, []Flag, error) {
	if idmap == nil {
		return IdentityResult{}, nil, errors.New("ResolveIdentities: idmap is nil")
	}
	fl := &flagger{stage: "identity", dataset: "tsj_usertable"}

	var res IdentityResult
	for i, u := range users {
		key := "row " + strconv.Itoa(i+1)
		email, err := NormalizeEmail(u.Email, idmap.opts.Aliases)
		if err != nil {
			fl.add(key, ReasonMalformedEmail, err.Error())
			continue
		}
		if _, created := idmap.Assign(email); created {
			res.Assigned++
		}
	}

	byTelegram, userFlags := TelegramIndex("identity", users, idmap)
	fl.flags = append(fl.flags, userFlags...)

	fl.dataset = "tsj_journals_saved"
	seen := make(map[string]struct{}, len(journals))
	for i, j := range journals {
		id := strings.TrimSpace(j.EntryID)
		if id == "" {
			fl.add("row "+strconv.Itoa(i+1), ReasonMissingEntryID, "")
			continue
		}
		if _, dup := seen[id]; dup {
			fl.add(id, ReasonDuplicateEntryID, "")
			continue
		}
		pid, ok := byTelegram[strings.TrimSpace(j.TelegramID)]
		if !ok {
			fl.add(id, ReasonUnknownTelegramID, "")
			continue
		}
		seen[id] = struct{}{}
		res.Entries = append(res.Entries, JournalEntry{
			PID:       pid,
			EntryID:   id,
			Timestamp: strings.TrimSpace(j.Timestamp),
			Type:      EntryRegular,
			Subtype:   strings.TrimSpace(j.EntryType),
			Content:   j.Content,
		})
	}
	sortEntries(res.Entries)
	return res, fl.flags, nil
}

// TelegramIndex maps bot TelegramIDs to PIDs using the existing mapping only. The first user row
// wins when a TelegramID repeats with a different email. Flags carry the calling stage's name.
func TelegramIndex(stage string, users []BotUser, idmap *IdentityMap) (map[string]string, []Flag) {
	fl := &flagger{stage: stage, dataset: "tsj_usertable"}
	out := make(map[string]string, len(users))
	for _, u := range users {
		tid := strings.TrimSpace(u.TelegramID)
		if tid == "" {
			continue
		}
		email, err := NormalizeEmail(u.Email, idmap.opts.Aliases)
		if err != nil {
			continue
		}
		pid, ok := idmap.Resolve(email)
		if !ok {
			continue
		}
		if prev, exists := out[tid]; exists {
			if prev != pid {
				fl.add(tid, ReasonConflictingUser, "telegram id maps to "+prev+" and "+pid)
			}
			continue
		}
		out[tid] = pid
	}
	return out, fl.flags
}
