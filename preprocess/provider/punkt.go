package provider

import (
	"fmt"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// PunktSegmenter splits text with the English Punkt model. Line breaks always end a sentence;
// journal entries often use them in place of punctuation.
type PunktSegmenter struct {
	tok *sentences.DefaultSentenceTokenizer
}

func NewPunktSegmenter() (*PunktSegmenter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("NewPunktSegmenter: %w", err)
	}
	return &PunktSegmenter{tok: tok}, nil
}

func (p *PunktSegmenter) Segment(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, s := range p.tok.Tokenize(line) {
			if t := strings.TrimSpace(s.Text); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
