package sentiment

// Only single tokens can match after Words splitting, so multi-word phrases
// live in the rule tables instead.
var positiveWords = []string{
	"oui", "ok", "okay", "ouais", "ouaip", "yep", "oké",
	"daccord", "dac", "entendu", "exactement", "correct", "parfait",
	"intéressé", "intéressée", "intéressant", "intéressante", "intéresse",
	"super", "génial", "excellent", "formidable", "merveilleux", "fantastique",
	"magnifique", "top", "cool", "nice", "grave", "carrément",
	"volontiers", "absolument", "certainement", "évidemment", "clairement", "forcément", "assurément",
	"allons", "allez", "banco", "go", "nickel", "impec",
	"accepte", "accepter", "prendre", "rdv",
	"bonne", "bon", "bien", "idée", "géniale", "excellente", "parfaite",
}

var negativeWords = []string{
	"non", "nan", "nope", "nenni", "jamais", "aucun", "aucune",
	"pas", "refus", "refuse", "refuser", "désolé", "desole",
	"impossible", "incapable",
	"inintéressé", "inintéressée",
	"occupé", "occupée", "indisponible", "moment", "là", "maintenant",
	"erreur",
	"stop", "arrêtez", "arrêter", "cessez", "tranquille", "paix",
	"dérangez", "déranger", "embêtez", "embêter", "emmerdez", "emmerder",
	"enquiquinez", "gavé", "gave", "soûlant", "soulant", "chiant",
	"relou", "lourd", "gonflant", "pénible", "penible", "énervé", "énervée",
	"agacé", "agacée", "insupportable",
	"spam", "solicitation", "démarchage", "vente", "commercial", "pub",
	"publicité", "arnaque", "escroquerie",
	"raccrochez", "raccrocher", "rappelez", "rappeler", "recontactez", "opposition",
	"mauvais", "mauvaise", "nul", "nulle", "terrible", "horrible",
	"affreux", "merdique",
}
