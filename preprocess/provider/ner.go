package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

const nerPrompt = `You find personal information in private journal entries written for a research study.

Return every span that could identify a person, using these categories:
- PER: names of people, including first names, nicknames and usernames
- LOC: places more specific than a country (cities, towns, streets, venues, schools)
- ORG: named organisations, employers, clubs
- MISC: other identifying proper nouns (events, products tied to a person)
- EMAIL: email addresses
- PHONE: phone numbers

Rules:
- Copy each span exactly as it appears in the text, with the same spelling and case.
- List each distinct span once.
- Do not return pronouns, generic roles ("my mum", "the doctor") or the journaling assistant.
- If nothing is found, return an empty list.`

type nerResponse struct {
	Entities []nerEntity `json:"entities"`
}

type nerEntity struct {
	Text     string `json:"text" jsonschema_description:"Span copied verbatim from the entry"`
	Category string `json:"category" jsonschema:"enum=PER,enum=LOC,enum=ORG,enum=MISC,enum=EMAIL,enum=PHONE"`
}

var nerSchema = MustSchema[nerResponse]()

// OpenAIRecognizer finds personal-information spans with a structured-output model call.
type OpenAIRecognizer struct {
	Client          *openai.Client
	Model           string
	MaxOutputTokens int64
}

func (r OpenAIRecognizer) Recognize(ctx context.Context, text string) ([]preprocess.Entity, error) {
	if r.Client == nil {
		return nil, errors.New("OpenAIRecognizer: client is nil")
	}
	if r.Model == "" {
		return nil, errors.New("OpenAIRecognizer: model is empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	maxOut := r.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 2000
	}

	params := responses.ResponseNewParams{
		Model:           r.Model,
		MaxOutputTokens: openai.Int(maxOut),
		Instructions:    openai.String(nerPrompt),
		ServiceTier:     responses.ResponseNewParamsServiceTierFlex,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        "Entities",
					Schema:      nerSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Personal information spans"),
					Type:        "json_schema",
				},
			},
		},
	}

	resp, err := CallWithRetry(ctx, r.Client, params)
	if err != nil {
		return nil, fmt.Errorf("OpenAIRecognizer: %w", err)
	}
	var out nerResponse
	if err := fileutils.DecodeModelJSON(resp.OutputText(), &out); err != nil {
		// The payload echoes journal text, so it is never included in the error.
		return nil, fmt.Errorf("OpenAIRecognizer: decode: %w", err)
	}
	return keepGrounded(text, out.Entities), nil
}

// keepGrounded drops spans that do not occur in text and unknown categories.
func keepGrounded(text string, ents []nerEntity) []preprocess.Entity {
	known := make(map[string]bool, len(preprocess.AllCategories))
	for _, c := range preprocess.AllCategories {
		known[c] = true
	}
	seen := map[preprocess.Entity]bool{}
	var out []preprocess.Entity
	for _, e := range ents {
		ent := preprocess.Entity{Text: strings.TrimSpace(e.Text), Category: strings.ToUpper(strings.TrimSpace(e.Category))}
		if ent.Text == "" || !known[ent.Category] || !strings.Contains(text, ent.Text) || seen[ent] {
			continue
		}
		seen[ent] = true
		out = append(out, ent)
	}
	return out
}
