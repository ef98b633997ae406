package chunking

import (
	"strings"
	"unicode"
)

// SentenceSplitter splits text into sentences.
type SentenceSplitter interface {
	Split(text string) []string
}

// ruleSentenceSplitter is a rule-based splitter that avoids breaking on
// abbreviations, initials, decimal numbers, and ellipses.
type ruleSentenceSplitter struct {
	abbreviations map[string]bool
}

// NewSentenceSplitter creates the default rule-based sentence splitter.
func NewSentenceSplitter() SentenceSplitter {
	return &ruleSentenceSplitter{abbreviations: commonAbbreviations()}
}

// Split splits text into trimmed sentences, preserving their order.
func (s *ruleSentenceSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		sentence := strings.TrimSpace(current.String())
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if s.isSentenceEnd(runes, i) && !isContinuation(runes, i) {
			flush()
		}
	}
	flush()

	return sentences
}

// isSentenceEnd checks whether the rune at pos terminates a sentence.
func (s *ruleSentenceSplitter) isSentenceEnd(runes []rune, pos int) bool {
	r := runes[pos]
	if r != '.' && r != '!' && r != '?' {
		return false
	}

	if r == '.' {
		// Look back for the word preceding the period.
		wordStart := pos
		for wordStart > 0 && !unicode.IsSpace(runes[wordStart-1]) {
			wordStart--
		}
		word := strings.TrimFunc(string(runes[wordStart:pos]), func(r rune) bool {
			return !unicode.IsLetter(r) && r != '.'
		})

		// Initials like "J." and known abbreviations never end a sentence.
		wordRunes := []rune(word)
		if len(wordRunes) == 1 && unicode.IsUpper(wordRunes[0]) {
			return false
		}
		if s.abbreviations[strings.ToLower(word)] {
			return false
		}

		// Decimal numbers (3.14).
		if pos > 0 && unicode.IsDigit(runes[pos-1]) &&
			pos+1 < len(runes) && unicode.IsDigit(runes[pos+1]) {
			return false
		}

		// Ellipsis.
		if pos+2 < len(runes) && runes[pos+1] == '.' && runes[pos+2] == '.' {
			return false
		}
		if pos > 0 && pos+1 < len(runes) && runes[pos-1] == '.' && runes[pos+1] == '.' {
			return false
		}
	}

	if pos+1 >= len(runes) {
		return true
	}

	// Skip closing quotes and brackets after the punctuation.
	next := pos + 1
	for next < len(runes) && isClosing(runes[next]) {
		next++
	}
	if next < len(runes) && !unicode.IsSpace(runes[next]) {
		return false
	}
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}

	// The next sentence starts with a capital letter, a digit, or an
	// opening quote/bracket.
	return unicode.IsUpper(runes[next]) || unicode.IsDigit(runes[next]) ||
		runes[next] == '"' || runes[next] == '\'' || runes[next] == '(' || runes[next] == '['
}

// isContinuation detects in-word continuation after punctuation ("U.S.A.").
func isContinuation(runes []rune, pos int) bool {
	next := pos + 1
	for next < len(runes) && isClosing(runes[next]) {
		next++
	}
	return next < len(runes) && !unicode.IsSpace(runes[next])
}

func isClosing(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '}'
}

// commonAbbreviations returns the abbreviations excluded from sentence
// boundary detection.
func commonAbbreviations() map[string]bool {
	return map[string]bool{
		// Titles
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true,

		// Latin and common shorthand
		"etc": true, "vs": true, "i.e": true, "e.g": true, "cf": true,
		"al": true, "approx": true, "dept": true, "est": true,
		"inc": true, "corp": true, "co": true, "ltd": true,

		// Months
		"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
		"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
		"nov": true, "dec": true,

		// Units in technical manuals
		"ft": true, "in": true, "cm": true, "mm": true, "km": true,
		"kg": true, "lb": true, "oz": true, "fig": true,
	}
}
