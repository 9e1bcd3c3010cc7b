package preprocess

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrMalformedEmail is returned by NormalizeEmail for addresses that cannot be used as identity keys.
var ErrMalformedEmail = errors.New("malformed email")

// NormalizeEmail lowercases and trims raw, applies alias corrections (alias -> canonical) and
// validates the result.
func NormalizeEmail(raw string, aliases map[string]string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := aliases[s]; ok {
		s = strings.ToLower(strings.TrimSpace(canonical))
	}
	if s == "" || s == "nan" {
		return "", fmt.Errorf("%w: empty", ErrMalformedEmail)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", fmt.Errorf("%w: %s", ErrMalformedEmail, MaskEmail(s))
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || !strings.Contains(s[at+1:], ".") {
		return "", fmt.Errorf("%w: %s", ErrMalformedEmail, MaskEmail(s))
	}
	return s, nil
}

// MaskEmail keeps the first character of the local part and the domain, for audit logs.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		if s == "" {
			return ""
		}
		return s[:1] + "***"
	}
	return s[:1] + "***" + s[at:]
}

// Replacement is a cleanup rule applied to journal text.
type Replacement struct {
	Pattern *regexp.Regexp
	With    string
}

// TextOptions controls CleanText.
type TextOptions struct {
	// Boilerplate rules are applied in order after character-level cleanup.
	Boilerplate []Replacement
}

// dateLabel matches the date the bot prefixes to an entry: a month name with optional weekday
// and day ("Tuesday 5 March", "Mar 5,") or a numeric day and month ("05/03/"), before the year.
const dateLabel = `(?i:(?:(?:mon|tues?|wed(?:nes)?|thu(?:rs)?|fri|sat(?:ur)?|sun)(?:day)?,?[ \t]+)?` +
	`(?:\d{1,2}(?:st|nd|rd|th)?[ \t]+)?` +
	`(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t|tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?[ \t]+` +
	`(?:\d{1,2}(?:st|nd|rd|th)?,?[ \t]+)?` +
	`|\d{1,2}[./-]\d{1,2}[./-])`

// DefaultBoilerplate strips prompts the journaling bot injects into saved entries: an empty
// "2023: none" answer, a leading date label ending in a year, and the echoed "Here are my
// responses to ..." block. A year preceded by the participant's own words is left alone.
func DefaultBoilerplate() []Replacement {
	return []Replacement{
		{Pattern: regexp.MustCompile(`^\d{4}: none\b[ \t]*`), With: ""},
		{Pattern: regexp.MustCompile(`\b(\d{4}): none\b`), With: "$1:"},
		{Pattern: regexp.MustCompile(`^` + dateLabel + `\d{4}:[ \t]*`), With: ""},
		{Pattern: regexp.MustCompile(`(?s)Here are (my|the) responses to.*`), With: ""},
	}
}

// CleanText normalises encoding and strips control characters without touching wording.
func CleanText(s string, opts TextOptions) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if isGarbageRune(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	for _, rep := range opts.Boilerplate {
		if rep.Pattern == nil {
			continue
		}
		s = rep.Pattern.ReplaceAllString(s, rep.With)
	}
	return strings.TrimSpace(s)
}

func isGarbageRune(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return false
	case r == unicode.ReplacementChar, r == '\ufeff':
		return true
	case unicode.IsControl(r):
		return true
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	}
	return false
}

// WordCount is the number of whitespace-separated fields.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// TimestampLayout is the normalised timestamp format; it sorts lexically in time order.
const TimestampLayout = "2006-01-02 15:04:05"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	TimestampLayout,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts the layouts seen in bot and survey exports plus unix seconds or
// milliseconds. Results are UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil && len(raw) >= 9 && isDigitsOrDot(raw) {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e11 {
			n /= 1000
		}
		ns := int64(math.Round(n * 1e9))
		return time.Unix(0, ns).UTC(), true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeTimestamp renders raw in TimestampLayout, or returns it unchanged with ok=false.
func NormalizeTimestamp(raw string) (string, bool) {
	t, ok := ParseTimestamp(raw)
	if !ok {
		return strings.TrimSpace(raw), false
	}
	return t.Format(TimestampLayout), true
}

func isDigitsOrDot(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
