package preprocess

import (
	"sort"
	"strings"
)

// StatusUnknown marks participants missing from the external status table.
const StatusUnknown = "Unknown"

// StatusByPID maps a sheet's email -> status table onto PIDs. Emails that cannot be normalised
// or have no PID are flagged.
func StatusByPID(byEmail map[string]string, idmap *IdentityMap) (map[string]string, []Flag) {
	return mapEmailTable(byEmail, idmap, "study_outcome_by_email")
}

// GroupsByPID takes group labels from the bot user table and lets the group sheet copy, when
// present, override them.
func GroupsByPID(users []BotUser, groupByEmail map[string]string, idmap *IdentityMap) (map[string]string, []Flag) {
	out := map[string]string{}
	for _, u := range users {
		g := strings.TrimSpace(u.StudyGroup)
		if g == "" {
			continue
		}
		_, pid, err := idmap.ResolveEmail(u.Email)
		if err != nil || pid == "" {
			continue
		}
		if _, set := out[pid]; !set {
			out[pid] = g
		}
	}
	sheet, flags := mapEmailTable(groupByEmail, idmap, "study_group_by_email")
	for pid, g := range sheet {
		out[pid] = g
	}
	return out, flags
}

func mapEmailTable(byEmail map[string]string, idmap *IdentityMap, dataset string) (map[string]string, []Flag) {
	fl := &flagger{stage: "status", dataset: dataset}
	out := make(map[string]string, len(byEmail))
	keys := make([]string, 0, len(byEmail))
	for k := range byEmail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, raw := range keys {
		v := strings.TrimSpace(byEmail[raw])
		if v == "" {
			continue
		}
		_, pid, err := idmap.ResolveEmail(raw)
		if err != nil {
			fl.add(MaskEmail(raw), ReasonMalformedEmail, err.Error())
			continue
		}
		if pid == "" {
			fl.add(MaskEmail(raw), ReasonUnmappedEmail, "")
			continue
		}
		out[pid] = v
	}
	return out, fl.flags
}

func lookupStatus(status, groups map[string]string, pid string) (string, string) {
	s, ok := status[pid]
	if !ok || s == "" {
		s = StatusUnknown
	}
	return s, groups[pid]
}

// AttachStatus returns a copy of t with Status and Group set on every row. Rows are never
// dropped and t is left unchanged.
func (t JournalTable) AttachStatus(status, groups map[string]string) JournalTable {
	out := t
	out.Rows = make([]JournalRecord, len(t.Rows))
	copy(out.Rows, t.Rows)
	for i := range out.Rows {
		out.Rows[i].Status, out.Rows[i].Group = lookupStatus(status, groups, out.Rows[i].PID)
	}
	return out
}

// AttachStatus returns a copy of t with Status and Group set on every row. Rows are never
// dropped and t is left unchanged.
func (t UtteranceTable) AttachStatus(status, groups map[string]string) UtteranceTable {
	out := t
	out.Rows = make([]UtteranceRecord, len(t.Rows))
	copy(out.Rows, t.Rows)
	for i := range out.Rows {
		out.Rows[i].Status, out.Rows[i].Group = lookupStatus(status, groups, out.Rows[i].PID)
	}
	return out
}
