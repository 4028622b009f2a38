package amd

import (
	"math"
	"regexp"
	"strings"
)

// voicemailPhrases are greetings and instructions typical of French
// answering machines and voice menus.
var voicemailPhrases = []string{
	"messagerie", "boîte vocale", "boite vocale", "répondeur", "repondeur",
	"laisser un message", "laissez un message", "laissez votre message",
	"déposer un message", "déposez un message", "enregistrer votre message",
	"enregistrez votre message", "veuillez laisser", "veuillez déposer",
	"après le bip", "au bip sonore", "bip sonore", "après le signal", "au signal",
	"signal sonore", "tonalité",
	"actuellement indisponible", "indisponible", "pas disponible",
	"momentanément absent", "ne suis pas là", "ne peux pas répondre",
	"n'est pas là", "joignable",
	"vous êtes bien", "bienvenue sur", "merci d'avoir appelé", "vous avez appelé",
	"vous avez joint", "ici le répondeur",
	"appuyez sur", "tapez", "composez le", "la touche", "touche étoile", "touche dièse",
	"pour être rappelé", "nous vous rappellerons", "vous recontacter",
	"fin du message", "pour raccrocher",
}

// vmKeywords is the shorter list spotted during frame analysis.
var vmKeywords = []string{
	"laissez un message", "laissez votre message", "après le bip",
	"après le signal", "bip sonore", "enregistrer votre message",
	"nous rappeler", "nous recontacter", "indisponible",
	"absents", "absent", "messagerie", "répondeur",
	"pas disponible", "pas là", "joignable",
	"ne suis pas", "ne peut pas", "n'est pas là",
}

var (
	humanReaction = regexp.MustCompile(`(?i)^\s*(?:allô|allo|oui|ouais|qui|quoi|hein|pardon|c'est qui|comment|j'écoute)(?:$|[^\p{L}])`)
	punctuation   = regexp.MustCompile(`[,.;:!]`)
)

// ClassifyTranscript applies the transcript rules in priority order.
func ClassifyTranscript(text string) Decision {
	norm := strings.ToLower(strings.TrimSpace(text))
	words := len(strings.Fields(norm))
	ev := Evidence{Transcript: text, Words: words}

	if found := matchPhrases(norm, voicemailPhrases); len(found) > 0 {
		ev.Phrases = found
		conf := math.Min(0.85+0.05*float64(len(found)-1), 0.95)
		return Decision{Result: Machine, Confidence: conf, Method: MethodTranscript, Evidence: ev}
	}
	switch {
	case words > 15:
		return Decision{Result: Machine, Confidence: 0.8, Method: MethodTranscript, Evidence: ev}
	case humanReaction.MatchString(norm):
		return Decision{Result: Human, Confidence: 0.8, Method: MethodTranscript, Evidence: ev}
	case words >= 6 && punctuation.MatchString(norm):
		return Decision{Result: Machine, Confidence: 0.7, Method: MethodTranscript, Evidence: ev}
	case words <= 5:
		return Decision{Result: Human, Confidence: 0.75, Method: MethodTranscript, Evidence: ev}
	default:
		return Decision{Result: Human, Confidence: 0.55, Method: MethodTranscript, Evidence: ev}
	}
}

func matchPhrases(norm string, phrases []string) []string {
	if norm == "" {
		return nil
	}
	var found []string
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			found = append(found, p)
		}
	}
	return found
}
