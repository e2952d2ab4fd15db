// Package evaluator scores a generated draft for grounding confidence and
// flags likely hallucinations, so the RAG Agent can decide whether a turn
// needs human review. The scoring heuristic is intentionally simple: it is
// a review trigger, not a block.
package evaluator

import (
	"regexp"
	"strings"

	"ragcore/internal/types"
)

type Result struct {
	Confidence         float64
	SourceCoverage     float64
	HallucinationFlags []string
	NeedsReview        bool
}

var stopwords = buildStopwords([]string{
	"the", "a", "an", "is", "are", "was", "were", "be", "been",
	"being", "have", "has", "had", "do", "does", "did", "will",
	"would", "could", "should", "may", "might", "must", "shall",
	"to", "of", "in", "for", "on", "with", "at", "by", "from",
	"and", "or", "but", "if", "then", "else", "when", "where",
	"how", "what", "which", "who", "this", "that", "these", "those",
	"it", "its", "as", "so", "than", "such", "no", "not", "only",
	"own", "same", "can", "into", "some", "other", "all", "any",
	"each", "few", "more", "most", "very", "just", "also", "now",
	"about", "up", "out", "over", "after", "before", "between",
	"under", "again", "further", "once", "here", "there", "why",
	"because", "through", "during", "while", "above", "below",
})

func buildStopwords(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var wordPattern = regexp.MustCompile(`\b[a-z]+\b`)

var (
	pricePattern      = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	percentPattern    = regexp.MustCompile(`\d+(?:\.\d+)?%`)
	numberPattern     = regexp.MustCompile(`\b\d{2,}\b`)
	yearPattern       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	slashDatePattern  = regexp.MustCompile(`\b\d{1,2}/\d{1,2}(?:/\d{2,4})?\b`)
	monthDayPattern   = regexp.MustCompile(`\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?\b`)
	dayMonthPattern   = regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)\s+(?:of\s+)?(?:january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	definitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\balways\b`),
		regexp.MustCompile(`\bnever\b`),
		regexp.MustCompile(`\bguaranteed\b`),
		regexp.MustCompile(`\b100%\b`),
		regexp.MustCompile(`\bdefinitely\b`),
		regexp.MustCompile(`\bcertainly\b`),
		regexp.MustCompile(`\babsolutely\b`),
		regexp.MustCompile(`\bperfect\b`),
	}
)

// Evaluate scores draft against context (the kept, score-bearing chunks):
// confidence = 0.6*avg(source scores) + 0.4*coverage, reduced 30% when
// hallucination flags are present.
func Evaluate(draft string, context []types.ScoredChunk, tauReview float64) Result {
	if draft == "" || len(context) == 0 {
		return Result{Confidence: 0, NeedsReview: true}
	}

	var sum float64
	for _, c := range context {
		sum += c.Score
	}
	avgScore := sum / float64(len(context))

	sourceText := joinContext(context)
	coverage := calculateCoverage(draft, sourceText)

	confidence := avgScore*0.6 + coverage*0.4

	flags := detectHallucinations(draft, sourceText)
	if len(flags) > 0 {
		confidence *= 0.7
	}
	confidence = clamp01(confidence)

	needsReview := confidence < tauReview || len(flags) > 0

	return Result{
		Confidence:         confidence,
		SourceCoverage:     coverage,
		HallucinationFlags: flags,
		NeedsReview:        needsReview,
	}
}

func joinContext(context []types.ScoredChunk) string {
	parts := make([]string, len(context))
	for i, c := range context {
		parts[i] = c.Chunk.Text
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func calculateCoverage(response, sourceText string) float64 {
	responseWords := meaningfulWords(strings.ToLower(response))
	if len(responseWords) == 0 {
		return 0
	}
	sourceWords := meaningfulWords(sourceText)

	overlap := 0
	for w := range responseWords {
		if _, ok := sourceWords[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(responseWords))
}

func meaningfulWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(text, -1) {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func detectHallucinations(response string, sourceContent string) []string {
	responseLower := strings.ToLower(response)
	var flags []string

	flags = append(flags, diffMatches(responseLower, sourceContent, pricePattern, "price")...)
	flags = append(flags, diffMatches(responseLower, sourceContent, percentPattern, "percentage")...)
	flags = append(flags, diffMatches(responseLower, sourceContent, numberPattern, "number")...)

	for _, p := range []*regexp.Regexp{yearPattern, slashDatePattern, monthDayPattern, dayMonthPattern} {
		for _, m := range diffMatches(responseLower, sourceContent, p, "date/time") {
			flags = append(flags, m)
		}
	}

	for _, p := range definitivePatterns {
		m := p.FindString(responseLower)
		if m != "" && !p.MatchString(sourceContent) {
			flags = append(flags, "Strong claim not in sources: "+strings.TrimSpace(m))
		}
	}

	return flags
}

func diffMatches(response, source string, pattern *regexp.Regexp, label string) []string {
	respSet := toSet(pattern.FindAllString(response, -1))
	srcSet := toSet(pattern.FindAllString(source, -1))

	var flags []string
	for m := range respSet {
		if _, ok := srcSet[m]; ok {
			continue
		}
		if label == "date/time" && len(m) <= 3 {
			continue
		}
		flags = append(flags, "Ungrounded "+label+": "+m)
	}
	return flags
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
