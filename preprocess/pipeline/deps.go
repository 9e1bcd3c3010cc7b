package pipeline

import (
	"github.com/openai/openai-go"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/provider"
)

// ModelRedactors returns the names-only and full redactors. They share one recognizer cache so
// each entry costs a single model call.
func ModelRedactors(client *openai.Client, a config.AnonymiseConfig) (names, full preprocess.Redactor) {
	rec := &preprocess.CachedRecognizer{Inner: provider.OpenAIRecognizer{
		Client:          client,
		Model:           a.Model,
		MaxOutputTokens: a.MaxOutputTokens,
	}}
	names = preprocess.EntityRedactor{Recognizer: rec, Categories: a.NameCategories, Ignore: a.Ignore}
	full = preprocess.EntityRedactor{Recognizer: rec, Categories: a.AllCategories, Ignore: a.Ignore}
	return names, full
}
