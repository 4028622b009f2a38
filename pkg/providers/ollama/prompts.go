package ollama

import "github.com/harunnryd/callbot/pkg/intent"

const intentList = `Intents possibles :
- "affirm" : oui, d'accord, ok, allez-y, je vous écoute
- "interested" : ça m'intéresse, pourquoi pas, j'aimerais en savoir plus
- "deny" : non, pas le temps, arrêtez, raccrochez
- "not_interested" : pas intéressé, ça ne m'intéresse pas
- "callback" : peut-être, plus tard, rappelez-moi, je ne sais pas, ça dépend
- "price" : combien, quel prix, c'est gratuit
- "unsure" : je n'ai pas compris, pardon, comment, répétez`

var systemPrompts = map[intent.Context]string{
	intent.ContextGeneral: `Tu es un module NLP pour un robot d'appel.
Tu analyses les réponses de prospects français à des questions sur leurs placements financiers.
Réponds UNIQUEMENT en JSON au format {"intent": "...", "confidence": 0.9}.
` + intentList,

	intent.ContextGreeting: `Tu analyses la réponse à l'introduction d'un appel.
Le prospect répond à : "J'ai juste trois petites questions pour voir si nous pouvons vous aider. Ça vous va ?"
Réponds UNIQUEMENT en JSON : {"intent": "...", "confidence": 0.9}
` + intentList,

	intent.ContextQualification: `Tu analyses la réponse à une question de qualification (placements actuels, rendement face à l'inflation, satisfaction du conseiller bancaire).
"oui, j'ai, effectivement, tout à fait" est affirm. "non, je n'ai pas, jamais" est deny.
Réponds UNIQUEMENT en JSON : {"intent": "...", "confidence": 0.9}
` + intentList,

	intent.ContextFinalOffer: `Tu analyses la réponse à l'offre finale : "Un de nos experts vous rappelle sous 48h pour analyser votre dossier. Ça vous va ?"
"oui mais plus tard, pas cette semaine" est callback.
Réponds UNIQUEMENT en JSON : {"intent": "...", "confidence": 0.9}
` + intentList,
}

func promptFor(c intent.Context) string {
	if p, ok := systemPrompts[c]; ok {
		return p
	}
	return systemPrompts[intent.ContextGeneral]
}
