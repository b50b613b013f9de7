package rerank

import "strings"

// Weights distributes the combined score across the three signals. Always
// sums to 1 after adaptWeights.
type Weights struct {
	BM25   float64
	Cosine float64
	LLM    float64
}

// Query-feature vocabularies, matched case-insensitively as substrings.
var (
	legalTechnicalTerms = []string{
		"artículo", "artículos", "inciso", "fracción", "párrafo", "capítulo",
		"ley", "decreto", "reglamento", "resolución", "circular", "acuerdo",
		"código", "constitución", "convenio", "tratado", "norma", "normativa",
		"jurisprudencia", "sentencia", "dictamen", "criterio",
		"interpretación", "precedente", "caso", "expediente",
		"cumplimiento", "infracción", "sanción", "multa", "penalización",
		"auditoría", "supervisión", "autoridad", "regulador", "organismo",
		"debido proceso", "diligencia debida", "kyc", "aml",
	}

	financialTerms = []string{
		"financiero", "bancario", "bursátil", "seguros", "fintech",
		"tarifa", "comisión", "interchange", "adquirente", "emisor",
		"transacción", "lavado", "prevención",
		"sbs", "smv", "bcrp", "uif",
	}

	taxTerms = []string{
		"fiscal", "tributario", "impuesto", "deducción", "igv", "renta",
		"sunat", "declaración", "arancel",
	}

	privacyTerms = []string{
		"privacidad", "protección", "datos", "personales",
		"consentimiento", "transferencia", "arco", "gdpr",
	}

	interpretationIndicators = []string{
		"qué significa", "cómo interpretar", "qué implica", "alcance de",
		"criterio", "interpretación", "análisis", "opinión", "considera",
		"aplicable", "aplica", "abarca", "incluye", "comprende",
	}

	specificArticleIndicators = []string{
		"artículo", "art.", "art ", "inciso", "fracción", "párrafo",
		"capítulo", "cap.", "cap ", "título", "sección", "anexo",
	}

	jurisdictionIndicators = []string{
		"nacional", "regional", "local", "municipal", "perú", "lima",
		"internacional", "europeo", "extranjero",
	}

	temporalIndicators = []string{
		"2024", "2025", "2026", "actual", "vigente", "nuevo", "nueva",
		"reciente", "último", "actualizado", "modificación", "reforma",
		"derogado", "abrogado", "anterior", "previo",
	}
)

// adaptWeights picks signal weights from query features. Exact-match
// queries (specific articles, technical domains) lean on BM25; interpretive
// and long queries lean on the LLM. The result is renormalized to sum to 1.
func adaptWeights(query string) Weights {
	w := Weights{BM25: 0.3, Cosine: 0.3, LLM: 0.4}
	lower := strings.ToLower(query)
	words := len(strings.Fields(query))

	hasFinancial := containsAny(lower, financialTerms)
	hasTax := containsAny(lower, taxTerms)
	hasPrivacy := containsAny(lower, privacyTerms)

	switch {
	case containsAny(lower, specificArticleIndicators):
		w = Weights{BM25: 0.50, Cosine: 0.25, LLM: 0.25}
	case containsAny(lower, interpretationIndicators):
		w = Weights{BM25: 0.20, Cosine: 0.30, LLM: 0.50}
	case hasFinancial || hasTax || hasPrivacy:
		w = Weights{BM25: 0.40, Cosine: 0.30, LLM: 0.30}
	case containsAny(lower, legalTechnicalTerms):
		w = Weights{BM25: 0.35, Cosine: 0.35, LLM: 0.30}
	case words <= 3:
		w = Weights{BM25: 0.25, Cosine: 0.30, LLM: 0.45}
	case words >= 20:
		w = Weights{BM25: 0.20, Cosine: 0.25, LLM: 0.55}
	}

	// Temporal references favor semantic evaluation of recency.
	if containsAny(lower, temporalIndicators) {
		w.BM25 = maxf(0.15, w.BM25-0.10)
		w.LLM = minf(0.60, w.LLM+0.10)
	}

	// Jurisdictional references favor exact term matches.
	if containsAny(lower, jurisdictionIndicators) {
		w.BM25 = minf(0.50, w.BM25+0.05)
		w.Cosine = maxf(0.20, w.Cosine-0.05)
	}

	// Financial and tax domains require exact-term precision.
	if hasFinancial || hasTax {
		w.BM25 = minf(0.55, w.BM25+0.05)
	}

	total := w.BM25 + w.Cosine + w.LLM
	w.BM25 /= total
	w.Cosine /= total
	w.LLM /= total
	return w
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
