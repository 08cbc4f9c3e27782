package rag

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// splitWords breaks text into overlapping windows of size words, each
// starting size-overlap words after the previous one.
func splitWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// chunkID is derived from the content so identical passages are stored once.
func chunkID(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return "chunk-" + hex.EncodeToString(sum[:16])
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"with": true, "that": true, "this": true, "from": true, "what": true,
	"which": true, "who": true, "how": true, "why": true, "when": true,
	"where": true, "does": true, "did": true, "has": true, "have": true,
	"into": true, "about": true, "its": true, "not": true, "but": true,
}

// keywords returns the distinct lower-cased terms of text, ignoring short
// words and stop words.
func keywords(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		terms[f] = true
	}
	return terms
}
