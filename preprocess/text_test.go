package preprocess

import (
	"errors"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	aliases := map[string]string{"old@example.com": "new@example.com"}
	cases := []struct {
		in, want string
		bad      bool
	}{
		{in: "  Foo@Bar.COM ", want: "foo@bar.com"},
		{in: "OLD@example.com", want: "new@example.com"},
		{in: "", bad: true},
		{in: "nan", bad: true},
		{in: "foo", bad: true},
		{in: "foo@bar", bad: true},
	}
	for _, tc := range cases {
		got, err := NormalizeEmail(tc.in, aliases)
		if tc.bad {
			if !errors.Is(err, ErrMalformedEmail) {
				t.Fatalf("NormalizeEmail(%q) err=%v, want ErrMalformedEmail", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("NormalizeEmail(%q)=%q,%v, want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	t.Parallel()

	if got := MaskEmail("alice@example.com"); got != "a***@example.com" {
		t.Fatalf("MaskEmail=%q", got)
	}
}

func TestCleanText_StripsControlAndBoilerplate(t *testing.T) {
	t.Parallel()

	opts := TextOptions{Boilerplate: DefaultBoilerplate()}
	cases := []struct{ in, want string }{
		{"Tuesday 5 March 2024: I went out\r\nto the park\u0000", "I went out\nto the park"},
		{"2024: none\r\nHello there", "Hello there"},
		{"\ufeffFine today.\n\nHere are my responses to the prompts: blah", "Fine today."},
		{"café ok", "café ok"},
		{"Mar 5, 2024: slept in", "slept in"},
		{"05/03/2024: rain all day", "rain all day"},
		{"My goals for 2024: run more and sleep early.", "My goals for 2024: run more and sleep early."},
		{"2024: a big year ahead", "2024: a big year ahead"},
		{"Decided 2024: less coffee", "Decided 2024: less coffee"},
	}
	for _, tc := range cases {
		if got := CleanText(tc.in, opts); got != tc.want {
			t.Fatalf("CleanText(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
	if got := CleanText("keep 2024: this", TextOptions{}); got != "keep 2024: this" {
		t.Fatalf("CleanText without rules=%q", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-01-01T10:00:00Z", "2024-01-01 10:00:00", true},
		{"3/4/2024 09:30", "2024-03-04 09:30:00", true},
		{"1704067200", "2024-01-01 00:00:00", true},
		{"1704067200000", "2024-01-01 00:00:00", true},
		{"2023", "2023", false},
		{"yesterday", "yesterday", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeTimestamp(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeTimestamp(%q)=%q,%v, want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScore_StringAndParse(t *testing.T) {
	t.Parallel()

	if Undefined.String() != "" || Defined(0).String() != "0" || Defined(27.5).String() != "27.5" {
		t.Fatalf("String: %q %q %q", Undefined.String(), Defined(0).String(), Defined(27.5).String())
	}
	for _, raw := range []string{"", "NaN"} {
		s, err := ParseScore(raw)
		if err != nil || s.Defined {
			t.Fatalf("ParseScore(%q)=%+v,%v, want undefined", raw, s, err)
		}
	}
	if _, err := ParseScore("abc"); err == nil {
		t.Fatalf("ParseScore(abc) should fail")
	}
	if d := Defined(3).Sub(Undefined); d.Defined {
		t.Fatalf("Sub with undefined=%+v", d)
	}
}
