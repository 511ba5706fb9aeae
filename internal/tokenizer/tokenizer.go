// Package tokenizer turns field text into the (kind, text, byte_start,
// byte_end) token stream spec.md §1 assumes as an external library,
// plus the camelCase/acronym splitting and stop-word filtering the
// indexing pipeline and query tree builder both need.
//
// Grounded on the teacher's internal/store/tokenizer.go: the same
// regex-driven split, camelCase splitter and stop-word map,
// generalized from source-code identifiers to plain document text.
package tokenizer

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind distinguishes a word token from the separator that precedes or
// follows it, matching spec.md §1's "separator kinds Hard/Soft".
type Kind int

const (
	Word Kind = iota
	SeparatorSoft
	SeparatorHard
)

// Token is one lexeme with its byte offsets in the original text.
type Token struct {
	Kind       Kind
	Text       string
	ByteStart  int
	ByteEnd    int
}

// tokenRegex splits on runs of letters/digits versus everything else;
// punctuation that ends a sentence (./!/?) is a hard separator, any
// other run of non-alphanumeric bytes is soft.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_]+`)

var hardSeparators = map[rune]bool{'.': true, '!': true, '?': true}

// Tokenize splits text into Word and Separator tokens in byte order.
func Tokenize(text string) []Token {
	matches := tokenRegex.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		start, end := m[0], m[1]
		piece := text[start:end]
		r := []rune(piece)[0]
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			tokens = append(tokens, Token{Kind: Word, Text: piece, ByteStart: start, ByteEnd: end})
			continue
		}
		kind := SeparatorSoft
		for _, c := range piece {
			if hardSeparators[c] {
				kind = SeparatorHard
				break
			}
		}
		tokens = append(tokens, Token{Kind: kind, Text: piece, ByteStart: start, ByteEnd: end})
	}
	return tokens
}

// Words extracts just the lower-cased word tokens from text, in order.
func Words(text string) []string {
	tokens := Tokenize(text)
	words := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Kind == Word {
			words = append(words, strings.ToLower(t.Text))
		}
	}
	return words
}

// SplitCamelCase splits an identifier-shaped word on camelCase,
// acronym and letter/digit boundaries, e.g. "HTTPHandler" -> ["HTTP",
// "Handler"], "parseJSON" -> ["parse", "JSON"]. Words with no such
// boundary are returned unchanged as a single-element slice.
func SplitCamelCase(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := false
		switch {
		case unicode.IsLower(prev) && unicode.IsUpper(cur):
			boundary = true
		case unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
			boundary = true
		case (unicode.IsLetter(prev) && unicode.IsDigit(cur)) || (unicode.IsDigit(prev) && unicode.IsLetter(cur)):
			boundary = true
		}
		if boundary {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	parts = append(parts, string(runes[start:]))
	return parts
}

// BuildStopWordMap returns a lookup set for FilterStopWords.
func BuildStopWordMap(stopWords []string) map[string]bool {
	m := make(map[string]bool, len(stopWords))
	for _, w := range stopWords {
		m[strings.ToLower(w)] = true
	}
	return m
}

// FilterStopWords removes any word present in stopWords (already
// lower-cased) from words, preserving order.
func FilterStopWords(words []string, stopWords map[string]bool) []string {
	if len(stopWords) == 0 {
		return words
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		if !stopWords[strings.ToLower(w)] {
			out = append(out, w)
		}
	}
	return out
}
