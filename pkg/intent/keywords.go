package intent

import (
	"context"
	"strings"
)

type family struct {
	intent   Intent
	keywords []string
}

// Families are scored in this order; the first best score wins ties.
var families = []family{
	{Affirm, []string{"oui", "ok", "d'accord", "allez-y", "parfait", "très bien", "exactement", "tout à fait", "bien sûr", "volontiers"}},
	{Interested, []string{"intéresse", "intéressé", "intéressant", "pourquoi pas", "en savoir plus"}},
	{Deny, []string{"non", "jamais", "arrêtez", "raccroc", "n'ai pas besoin", "pas le temps"}},
	{NotInterested, []string{"pas intéressé", "m'intéresse pas", "pas intéressant", "aucun intérêt"}},
	{Callback, []string{"peut-être", "je ne sais pas", "il faut voir", "ça dépend", "rappel", "rappeler", "plus tard"}},
	{Price, []string{"combien", "prix", "coût", "tarif", "cher", "gratuit"}},
	{Unsure, []string{"quoi", "comment", "pardon", "hein", "compris", "répéter", "qui"}},
}

// suppressed lists intents whose keywords are substrings of a stronger match.
var suppressed = map[Intent]Intent{
	NotInterested: Interested,
}

const (
	keywordCap        = 0.8
	keywordNoMatch    = 0.3
	keywordMethodName = "keywords"
)

// KeywordClassifier scores each family by the share of its keywords present.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (k *KeywordClassifier) Name() string { return keywordMethodName }

func (k *KeywordClassifier) Classify(_ context.Context, text string, c Context) (Result, error) {
	return k.Match(text), nil
}

// Match is the context-free keyword decision.
func (k *KeywordClassifier) Match(text string) Result {
	lower := strings.ToLower(text)
	scores := make(map[Intent]float64, len(families))
	for _, f := range families {
		hits := 0
		for _, kw := range f.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > 0 {
			scores[f.intent] = float64(hits) / float64(len(f.keywords))
		}
	}
	for strong, weak := range suppressed {
		if _, ok := scores[strong]; ok {
			delete(scores, weak)
		}
	}

	best := Intent("")
	bestScore := 0.0
	for _, f := range families {
		if s, ok := scores[f.intent]; ok && s > bestScore {
			best, bestScore = f.intent, s
		}
	}
	matches := make(map[string]any, len(scores))
	for in, s := range scores {
		matches[string(in)] = s
	}
	if best == "" {
		return Result{Intent: Unsure, Confidence: keywordNoMatch, Method: keywordMethodName, Metadata: map[string]any{"keyword_matches": matches}}
	}
	if bestScore > keywordCap {
		bestScore = keywordCap
	}
	return Result{Intent: best, Confidence: bestScore, Method: keywordMethodName, Metadata: map[string]any{"keyword_matches": matches}}
}

var _ Classifier = (*KeywordClassifier)(nil)
