// Package sentiment scores French call answers with keyword rules.
package sentiment

import (
	"regexp"
	"strings"
	"unicode"
)

type Label string

const (
	Positive      Label = "positive"
	Negative      Label = "negative"
	Interrogative Label = "interrogative"
	Neutral       Label = "neutral"
	Unclear       Label = "unclear"
)

type Result struct {
	Label      Label
	Confidence float64
}

// Classifier is the sentiment contract used by audio processing.
type Classifier interface {
	Classify(text string) Result
}

// IsInterested is the lead signal derived from a sentiment.
func IsInterested(r Result) bool {
	return r.Label == Positive && r.Confidence > 0.6
}

type phraseRule struct {
	phrases    []string
	label      Label
	confidence float64
}

var (
	positiveIdioms = []phraseRule{
		{[]string{"pourquoi pas"}, Positive, 0.8},
		{[]string{"ça me va", "ca me va"}, Positive, 0.75},
		{[]string{"volontiers"}, Positive, 0.8},
		{[]string{"c'est parti", "cest parti", "c parti"}, Positive, 0.85},
	}
	enthusiasticStarts = []string{"allez", "allons", "vas-y", "go"}

	incomprehension = []string{"allô", "allo", "hein", "pardon", "comment", "quoi", "répétez", "repetez"}
	questionWords   = []string{"qui", "quoi", "comment", "où", "combien", "quel", "quelle"}

	strongNegatives = []phraseRule{
		{[]string{"laissez-moi tranquille", "foutez-moi"}, Negative, 0.95},
		{[]string{"fichez-moi la paix", "ça suffit"}, Negative, 0.95},
		{[]string{"m'intéresse pas", "ne m'intéresse pas"}, Negative, 0.9},
		{[]string{"pas intéressé", "pas intéressée"}, Negative, 0.85},
		{[]string{"pas du tout"}, Negative, 0.85},
		{[]string{"c'est pas moi", "pas moi"}, Negative, 0.8},
		{[]string{"mauvais numéro", "vous vous trompez"}, Negative, 0.8},
		{[]string{"connais pas"}, Negative, 0.75},
		{[]string{"pas le temps", "pas de temps"}, Negative, 0.75},
		{[]string{"je suis occupé", "suis occupée"}, Negative, 0.7},
	}
	strongPositives = []phraseRule{
		{[]string{"ça m'intéresse", "ca m'intéresse"}, Positive, 0.9},
		{[]string{"je suis intéressé", "suis intéressée"}, Positive, 0.9},
		{[]string{"ça me plaît", "ca me plait"}, Positive, 0.85},
	}
	agreements = []phraseRule{
		{[]string{"d'accord", "daccord"}, Positive, 0.8},
		{[]string{"bien sûr", "bien sur"}, Positive, 0.8},
		{[]string{"ça marche", "ca marche"}, Positive, 0.75},
		{[]string{"je veux bien"}, Positive, 0.75},
	}

	interrogativePatterns = []*regexp.Regexp{
		wordPattern(`qui|c'est qui|vous êtes qui|qui êtes|qui es|t'es qui|vous etes qui`),
		wordPattern(`comment\s+\S+|comment avez|comment vous|comment tu|comment t'|comment c'est`),
		wordPattern(`pourquoi|pour quoi|pkoi|c'est pourquoi|pourquoi vous|pourquoi tu`),
		wordPattern(`c'est quoi|quoi\s|qu'est-ce|quest-ce|vous voulez quoi|tu veux quoi|pour quoi faire`),
		wordPattern(`d'où|d ou|vous appelez d|où vous|ou vous|d'où vous`),
		wordPattern(`combien|ça coûte|ca coute|quel prix|quelle somme`),
		wordPattern(`quel|quelle|quels|quelles|lequel|laquelle`),
		wordPattern(`comment (?:avez-vous|vous avez|tu as|t'as) (?:eu|obtenu|trouvé|récupéré) mon (?:numéro|numero|contact|téléphone|telephone)`),
		wordPattern(`d'où (?:vient|provient) (?:ce|cet|cette) (?:appel|numéro|numero)`),
		wordPattern(`vous (?:représentez|travaillez pour) qui|qui vous (?:envoie|mandate)`),
	}
)

// wordPattern anchors alternatives on letter boundaries, accents included.
func wordPattern(alts string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(?:` + alts + `)(?:$|[^\p{L}\p{N}_])`)
}

// KeywordClassifier implements the French rule cascade.
type KeywordClassifier struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		positive: toSet(positiveWords),
		negative: toSet(negativeWords),
	}
}

func (k *KeywordClassifier) Classify(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Label: Unclear}
	}
	norm := strings.ToLower(strings.TrimSpace(text))
	words := Words(norm)

	if r, ok := matchRules(norm, positiveIdioms); ok {
		return r
	}
	for _, prefix := range enthusiasticStarts {
		if strings.HasPrefix(norm, prefix) {
			return Result{Label: Positive, Confidence: 0.85}
		}
	}

	if containsAny(norm, incomprehension) && len(words) <= 3 {
		return Result{Label: Neutral, Confidence: 0.6}
	}

	for _, re := range interrogativePatterns {
		if !re.MatchString(norm) {
			continue
		}
		if strings.Contains(text, "?") || containsAny(norm, questionWords) {
			return Result{Label: Interrogative, Confidence: 0.85}
		}
	}

	if r, ok := matchRules(norm, strongNegatives); ok {
		return r
	}
	if r, ok := matchRules(norm, strongPositives); ok {
		return r
	}
	if strings.HasPrefix(norm, "ouais") && !strings.Contains(norm, "pas") {
		return Result{Label: Positive, Confidence: 0.8}
	}
	if strings.HasPrefix(norm, "oui") && !strings.Contains(norm, "pas") {
		return Result{Label: Positive, Confidence: 0.85}
	}
	if r, ok := matchRules(norm, agreements); ok {
		return r
	}
	return k.count(words)
}

func (k *KeywordClassifier) count(words []string) Result {
	pos, neg := 0, 0
	for _, w := range words {
		if _, ok := k.positive[w]; ok {
			pos++
		} else if _, ok := k.negative[w]; ok {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return Result{Label: Unclear}
	}
	base := float64(total) / float64(max(len(words), 1))
	if base > 1 {
		base = 1
	}
	switch {
	case pos > neg:
		return Result{Label: Positive, Confidence: base * float64(pos) / float64(total)}
	case neg > pos:
		return Result{Label: Negative, Confidence: base * float64(neg) / float64(total)}
	default:
		return Result{Label: Unclear, Confidence: 0.5}
	}
}

// Words splits on anything that is not a letter, digit or underscore.
func Words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func matchRules(norm string, rules []phraseRule) (Result, bool) {
	for _, rule := range rules {
		if containsAny(norm, rule.phrases) {
			return Result{Label: rule.label, Confidence: rule.confidence}, true
		}
	}
	return Result{}, false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func toSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

var _ Classifier = (*KeywordClassifier)(nil)
