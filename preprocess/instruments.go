package preprocess

import (
	"regexp"
	"strconv"
	"strings"
)

// TotalRule selects how an instrument total is formed from its items.
type TotalRule int

const (
	// TotalSum adds every item.
	TotalSum TotalRule = iota
	// TotalPairMeans averages each item pair and adds the means.
	TotalPairMeans
)

// Subscale is a named subset of item numbers summed together.
type Subscale struct {
	Name  string
	Items []int
}

// Instrument is a fixed scoring rule for one questionnaire. Items are the export columns named
// <Name><sep><number>, e.g. "PHQ9_3", "VISQ-07", "BIS-12".
type Instrument struct {
	Name string

	// ItemCount is the number of items the instrument must have; 0 accepts whatever the export
	// carries.
	ItemCount int

	// Labels maps lowercased answer labels to item values. Numeric answers are accepted as-is.
	Labels map[string]float64

	// Reverse lists item numbers scored as Min+Max-value.
	Reverse  []int
	Min, Max float64

	// Dichotomise recodes values <= the threshold to 0 and the rest to 1 (0 disables).
	Dichotomise float64

	Total     TotalRule
	Pairs     [][2]int
	Subscales []Subscale
}

var itemColumnSuffix = regexp.MustCompile(`^[-_ ]?0*(\d+)$`)

// ItemNumber reports whether column is an item of ins and returns its number.
func (ins Instrument) ItemNumber(column string) (int, bool) {
	rest, ok := cutPrefixFold(strings.TrimSpace(column), ins.Name)
	if !ok {
		return 0, false
	}
	m := itemColumnSuffix.FindStringSubmatch(rest)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// ScoreColumns lists the output columns this instrument produces for a wave prefix.
func (ins Instrument) ScoreColumns(wavePrefix string) []string {
	cols := []string{wavePrefix + "_" + ins.Name + "_Total"}
	for _, s := range ins.Subscales {
		cols = append(cols, wavePrefix+"_"+ins.Name+"_"+s.Name)
	}
	return cols
}

// Recode converts one raw answer to an item value.
func (ins Instrument) Recode(item int, raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, ok := ins.Labels[strings.ToLower(raw)]
	if !ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false
		}
		v = f
	}
	for _, r := range ins.Reverse {
		if r == item {
			v = ins.Min + ins.Max - v
			break
		}
	}
	if ins.Dichotomise > 0 {
		if v <= ins.Dichotomise {
			v = 0
		} else {
			v = 1
		}
	}
	return v, true
}

// Score computes the total and subscales from item answers keyed by item number. present lists
// the item numbers the export has columns for. Any required item that is absent or unrecodable
// makes the affected total or subscale undefined.
func (ins Instrument) Score(answers map[int]string, present []int) map[string]Score {
	values := make(map[int]float64, len(answers))
	for item, raw := range answers {
		if v, ok := ins.Recode(item, raw); ok {
			values[item] = v
		}
	}

	out := make(map[string]Score, 1+len(ins.Subscales))
	required := present
	if ins.ItemCount > 0 {
		required = make([]int, ins.ItemCount)
		for i := range required {
			required[i] = i + 1
		}
	}

	switch ins.Total {
	case TotalPairMeans:
		total, ok := 0.0, len(ins.Pairs) > 0
		for _, p := range ins.Pairs {
			a, okA := values[p[0]]
			b, okB := values[p[1]]
			if !okA || !okB {
				ok = false
				break
			}
			total += (a + b) / 2
		}
		out["Total"] = scoreIf(total, ok)
	default:
		total, ok := sumItems(values, required)
		out["Total"] = scoreIf(total, ok && len(required) > 0)
	}

	for _, s := range ins.Subscales {
		sum, ok := sumItems(values, s.Items)
		out[s.Name] = scoreIf(sum, ok)
	}
	return out
}

func sumItems(values map[int]float64, items []int) (float64, bool) {
	sum := 0.0
	for _, it := range items {
		v, ok := values[it]
		if !ok {
			return 0, false
		}
		sum += v
	}
	return sum, true
}

func scoreIf(v float64, ok bool) Score {
	if !ok {
		return Undefined
	}
	return Defined(v)
}

var (
	frequencyLabels = map[string]float64{
		"not at all":              0,
		"several days":            1,
		"more than half the days": 2,
		"nearly every day":        3,
	}
)

// DefaultInstruments returns the study's questionnaire rules in output order.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{
			Name:      "WEMWBS",
			ItemCount: 14,
			Labels: map[string]float64{
				"none of the time": 1,
				"rarely":           2,
				"some of the time": 3,
				"often":            4,
				"all of the time":  5,
			},
			Min: 1, Max: 5,
		},
		{Name: "GAD7", ItemCount: 7, Labels: frequencyLabels, Min: 0, Max: 3},
		{Name: "PHQ9", ItemCount: 9, Labels: frequencyLabels, Min: 0, Max: 3},
		{
			Name: "RRS",
			Labels: map[string]float64{
				"almost never":  0,
				"sometimes":     1,
				"often":         2,
				"almost always": 3,
			},
			Min: 0, Max: 3,
		},
		{
			Name:      "BIS",
			ItemCount: 15,
			Labels: map[string]float64{
				"rarely or never":         1,
				"occasionally":            2,
				"often":                   3,
				"almost always or always": 4,
			},
			Min: 1, Max: 4,
			Subscales: []Subscale{
				{Name: "Motor", Items: []int{1, 2, 3, 4, 5, 7, 10}},
				{Name: "Non-Planning", Items: []int{6, 8, 9, 11, 15}},
				{Name: "Attention", Items: []int{12, 13, 14}},
			},
		},
		{
			Name: "ASQ",
			Labels: map[string]float64{
				"definitely disagree": 1,
				"slightly disagree":   2,
				"slightly agree":      3,
				"definitely agree":    4,
			},
			Min: 1, Max: 4,
			Dichotomise: 2,
		},
		{
			Name:      "NIEQ",
			ItemCount: 10,
			Total:     TotalPairMeans,
			Pairs:     [][2]int{{1, 6}, {2, 7}, {3, 8}, {4, 9}, {5, 10}},
			Subscales: []Subscale{
				{Name: "ISpeaking", Items: []int{1, 6}},
				{Name: "ISeeing", Items: []int{2, 7}},
				{Name: "Feeling", Items: []int{3, 8}},
				{Name: "SensAw", Items: []int{4, 9}},
				{Name: "UnsTh", Items: []int{5, 10}},
			},
		},
		{
			Name:      "VISQ",
			ItemCount: 26,
			Labels: map[string]float64{
				"never":        1,
				"rarely":       2,
				"occasionally": 3,
				"sometimes":    4,
				"often":        5,
				"very often":   6,
				"all the time": 7,
			},
			Min: 1, Max: 7,
			Subscales: []Subscale{
				{Name: "C", Items: []int{1, 7, 8, 14, 15}},
				{Name: "D", Items: []int{2, 6, 10, 13, 21}},
				{Name: "E", Items: []int{9, 11, 17, 18, 19, 20, 22, 23, 24}},
				{Name: "O", Items: []int{3, 4, 5, 12, 16}},
				{Name: "P", Items: []int{19, 21, 22, 25, 26}},
			},
		},
	}
}
