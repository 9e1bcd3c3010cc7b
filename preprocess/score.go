package preprocess

import (
	"fmt"
	"strconv"
	"strings"
)

// Score is an instrument total or subscale. The zero value is undefined, which is distinct from a
// defined score of 0.
type Score struct {
	Value   float64
	Defined bool
}

// Undefined is the score of an instrument with missing or unusable items.
var Undefined = Score{}

func Defined(v float64) Score { return Score{Value: v, Defined: true} }

// String renders a defined score with the shortest exact representation and an undefined score
// as the empty string.
func (s Score) String() string {
	if !s.Defined {
		return ""
	}
	return strconv.FormatFloat(s.Value, 'f', -1, 64)
}

// Sub returns s - o, undefined when either side is.
func (s Score) Sub(o Score) Score {
	if !s.Defined || !o.Defined {
		return Undefined
	}
	return Defined(s.Value - o.Value)
}

// ParseScore is the inverse of String.
func ParseScore(raw string) (Score, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "nan") {
		return Undefined, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Undefined, fmt.Errorf("parse score %q: %w", raw, err)
	}
	return Defined(v), nil
}
