package processor

import (
	"regexp"
	"strings"

	"ragcore/internal/tokens"
)

const tokenModel = "gpt-3.5-turbo"

var sentenceBoundary = regexp.MustCompile(`(?s)([.!?])\s+`)

// recursiveSplit breaks text into chunks of at most chunkSize tokens with
// chunkOverlap tokens of overlap between consecutive chunks, splitting
// preferentially on paragraph, then sentence, then word boundaries rather
// than on a plain word count, so chunks respect natural text boundaries.
func recursiveSplit(text string, chunkSize, chunkOverlap int) []string {
	units := splitIntoUnits(text)
	return packUnits(units, chunkSize, chunkOverlap)
}

// splitIntoUnits breaks text into the smallest indivisible pieces this
// splitter will recombine: paragraphs are split into sentences. A sentence
// larger than the chunk size is split into words later, by packUnits.
func splitIntoUnits(text string) []string {
	var units []string
	paragraphs := strings.Split(text, "\n\n")
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		sentences := splitSentences(p)
		units = append(units, sentences...)
	}
	return units
}

func splitSentences(paragraph string) []string {
	marked := sentenceBoundary.ReplaceAllString(paragraph, "$1\x00")
	parts := strings.Split(marked, "\x00")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{paragraph}
	}
	return out
}

// packUnits greedily fills token-bounded chunks from units, falling back
// to word-level splitting for any single unit that alone exceeds chunkSize,
// and carrying chunkOverlap tokens of trailing context into the next chunk.
func packUnits(units []string, chunkSize, chunkOverlap int) []string {
	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(current, " "))
		if joined != "" {
			chunks = append(chunks, joined)
		}
	}

	for _, unit := range units {
		unitTokens := tokens.Count(tokenModel, unit)

		if unitTokens > chunkSize {
			flush()
			current = nil
			currentTokens = 0
			chunks = append(chunks, packWords(unit, chunkSize, chunkOverlap)...)
			continue
		}

		if currentTokens+unitTokens > chunkSize && len(current) > 0 {
			flush()
			current = overlapTail(current, chunkOverlap)
			currentTokens = tokens.Count(tokenModel, strings.Join(current, " "))
		}

		current = append(current, unit)
		currentTokens += unitTokens
	}
	flush()
	return chunks
}

func packWords(text string, chunkSize, chunkOverlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := chunkSize - chunkOverlap
	if step <= 0 {
		step = chunkSize
	}
	var out []string
	for i := 0; i < len(words); i += step {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		content := strings.TrimSpace(strings.Join(words[i:end], " "))
		if content != "" {
			out = append(out, content)
		}
		if end == len(words) {
			break
		}
	}
	return out
}

// overlapTail returns the trailing units of current whose combined token
// count is closest to (without exceeding) overlap, to seed the next chunk.
func overlapTail(current []string, overlap int) []string {
	var tail []string
	total := 0
	for i := len(current) - 1; i >= 0; i-- {
		t := tokens.Count(tokenModel, current[i])
		if total+t > overlap && len(tail) > 0 {
			break
		}
		tail = append([]string{current[i]}, tail...)
		total += t
	}
	return tail
}
