package preprocess

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Redactor replaces personal information in text.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

// RedactorFunc adapts a function to Redactor.
type RedactorFunc func(ctx context.Context, text string) (string, error)

func (f RedactorFunc) Redact(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// Entity categories. PER/LOC/ORG/MISC follow the CoNLL tag set; EMAIL and PHONE are matched by
// pattern as well as by the recognizer.
const (
	CategoryPerson   = "PER"
	CategoryLocation = "LOC"
	CategoryOrg      = "ORG"
	CategoryMisc     = "MISC"
	CategoryEmail    = "EMAIL"
	CategoryPhone    = "PHONE"
)

// NameCategories are redacted in the names-only variant.
var NameCategories = []string{CategoryPerson, CategoryEmail, CategoryPhone}

// AllCategories are redacted in the fully anonymised variant.
var AllCategories = []string{CategoryPerson, CategoryLocation, CategoryOrg, CategoryMisc, CategoryEmail, CategoryPhone}

// Entity is one span found by a recognizer.
type Entity struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// EntityRecognizer finds personal-information spans.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// EntityRedactor replaces recognised spans of the selected categories with "[CATEGORY]".
// Email addresses and phone numbers are always replaced by pattern too.
type EntityRedactor struct {
	Recognizer EntityRecognizer
	Categories []string
	// Ignore lists words never redacted (case-insensitive), e.g. the bot's own name.
	Ignore []string
}

func (r EntityRedactor) Redact(ctx context.Context, text string) (string, error) {
	if r.Recognizer == nil {
		return "", errors.New("EntityRedactor: recognizer is nil")
	}
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	ents, err := r.Recognizer.Recognize(ctx, text)
	if err != nil {
		return "", err
	}
	allowed := make(map[string]bool, len(r.Categories))
	for _, c := range r.Categories {
		allowed[strings.ToUpper(c)] = true
	}
	ignore := make(map[string]bool, len(r.Ignore))
	for _, w := range r.Ignore {
		ignore[strings.ToLower(strings.TrimSpace(w))] = true
	}

	var keep []Entity
	for _, e := range ents {
		e.Text = strings.TrimSpace(e.Text)
		e.Category = strings.ToUpper(strings.TrimSpace(e.Category))
		if e.Text == "" || !allowed[e.Category] || ignore[strings.ToLower(e.Text)] {
			continue
		}
		keep = append(keep, e)
	}
	// Longest first so "Anna Smith" is replaced before "Anna".
	sort.SliceStable(keep, func(i, j int) bool { return len(keep[i].Text) > len(keep[j].Text) })
	out := text
	for _, e := range keep {
		out = replaceSpan(out, e.Text, "["+e.Category+"]")
	}
	return PatternRedactor{}.redact(out), nil
}

func replaceSpan(s, span, with string) string {
	pat := regexp.QuoteMeta(span)
	if r := []rune(span); len(r) > 0 && isWordRune(r[0]) {
		pat = `\b` + pat
	}
	if r := []rune(span); len(r) > 0 && isWordRune(r[len(r)-1]) {
		pat = pat + `\b`
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return strings.ReplaceAll(s, span, with)
	}
	return re.ReplaceAllLiteralString(s, with)
}

func isWordRune(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{2,4}\)[\s.\-]?)?\d{3,4}[\s.\-]?\d{3,4}(?:[\s.\-]?\d{2,4})?`)
)

// PatternRedactor replaces email addresses and phone numbers only. It is deterministic and needs
// no model, but leaves names in place.
type PatternRedactor struct{}

func (p PatternRedactor) Redact(_ context.Context, text string) (string, error) {
	return p.redact(text), nil
}

func (PatternRedactor) redact(text string) string {
	text = emailPattern.ReplaceAllLiteralString(text, "["+CategoryEmail+"]")
	return phonePattern.ReplaceAllStringFunc(text, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 {
			return m
		}
		return "[" + CategoryPhone + "]"
	})
}

// ContainsContactDetails reports whether text still has an email address or phone number.
func ContainsContactDetails(text string) bool {
	if emailPattern.MatchString(text) {
		return true
	}
	return PatternRedactor{}.redact(text) != text
}

// CachedRecognizer memoises recognition by text so the names-only and full redactors share one
// model call per entry. Errors are not cached.
type CachedRecognizer struct {
	Inner EntityRecognizer

	mu    sync.Mutex
	cache map[string][]Entity
}

func (c *CachedRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	c.mu.Lock()
	if ents, ok := c.cache[text]; ok {
		c.mu.Unlock()
		return ents, nil
	}
	c.mu.Unlock()

	ents, err := c.Inner.Recognize(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string][]Entity)
	}
	c.cache[text] = ents
	c.mu.Unlock()
	return ents, nil
}
