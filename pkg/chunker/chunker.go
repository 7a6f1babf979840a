// Package chunker splits long free-text input into sentence-aligned pieces
// that become separate fragments when a context is initialized.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultMaxTokens bounds the size of one chunk.
const DefaultMaxTokens = 512

// Chunk is a single piece of the input text.
type Chunk struct {
	Text       string
	Index      int
	TokenCount int
}

// Chunker splits text into chunks with sentence boundary awareness.
// Sentences longer than MaxTokens are split at word boundaries.
type Chunker struct {
	MaxTokens int // Maximum tokens per chunk (default: 512)
	Overlap   int // Token overlap between chunks (default: none)
}

func (c *Chunker) maxTokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

// Fits reports whether text is small enough to be kept as a single chunk.
func (c *Chunker) Fits(text string) bool {
	return countTokens(text) <= c.maxTokens()
}

// Chunk splits the input text into chunks
func (c *Chunker) Chunk(text string) []Chunk {
	maxTokens := c.maxTokens()
	overlap := c.Overlap
	if overlap >= maxTokens {
		overlap = maxTokens - 1
	}

	var sentences []string
	for _, s := range splitSentences(text) {
		sentences = append(sentences, splitLong(s, maxTokens)...)
	}
	if len(sentences) == 0 {
		return []Chunk{}
	}

	var chunks []Chunk
	var current []string
	var currentTokens int

	flush := func() {
		chunks = append(chunks, Chunk{
			Text:       strings.Join(current, " "),
			Index:      len(chunks),
			TokenCount: currentTokens,
		})
	}

	for _, sentence := range sentences {
		sentenceTokens := countTokens(sentence)

		if currentTokens+sentenceTokens > maxTokens && len(current) > 0 {
			flush()
			current = overlapSentences(current, overlap)
			currentTokens = countTokensForSentences(current)
			// the overlap must leave room for the next sentence
			for len(current) > 0 && currentTokens+sentenceTokens > maxTokens {
				currentTokens -= countTokens(current[0])
				current = current[1:]
			}
		}

		current = append(current, sentence)
		currentTokens += sentenceTokens
	}

	if len(current) > 0 {
		flush()
	}

	return chunks
}

// splitSentences splits text on ., ! and ? followed by whitespace or the end
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if sentence := strings.TrimSpace(current.String()); sentence != "" {
					sentences = append(sentences, sentence)
				}
				current.Reset()
			}
		}
	}

	if sentence := strings.TrimSpace(current.String()); sentence != "" {
		sentences = append(sentences, sentence)
	}

	return sentences
}

// splitLong breaks a sentence into word runs of at most maxTokens words.
func splitLong(sentence string, maxTokens int) []string {
	words := strings.Fields(sentence)
	if len(words) <= maxTokens {
		return []string{sentence}
	}
	var out []string
	for start := 0; start < len(words); start += maxTokens {
		end := min(start+maxTokens, len(words))
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

// countTokens estimates token count using word-based heuristic
func countTokens(text string) int {
	return len(strings.Fields(text))
}

func countTokensForSentences(sentences []string) int {
	total := 0
	for _, s := range sentences {
		total += countTokens(s)
	}
	return total
}

// overlapSentences returns the trailing sentences covering about
// overlapTokens tokens.
func overlapSentences(sentences []string, overlapTokens int) []string {
	if overlapTokens <= 0 || len(sentences) == 0 {
		return nil
	}

	totalTokens := 0
	startIdx := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		tokens := countTokens(sentences[i])
		if totalTokens+tokens > overlapTokens && startIdx != len(sentences) {
			break
		}
		totalTokens += tokens
		startIdx = i
	}

	return append([]string(nil), sentences[startIdx:]...)
}
