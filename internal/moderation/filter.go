// Package moderation reviews chat messages after delivery. A Filter matches
// text against a keyword blocklist and a set of spam patterns; the moderator
// service runs it over the message feed and records what it flags.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a Check. The zero value means clean.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term, or the spam check name
}

// Filter matches text against a blocklist of single words and multi-word
// phrases, then against the spam patterns. It is safe for concurrent use
// once built.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// defaultTerms is the blocklist used by NewFilter: slurs, threats of
// violence and self-harm, sexual solicitation and common scam bait.
var defaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "retard", "tranny", "kike", "spic", "chink", "wetback",
	// violence and self-harm
	"kill yourself", "kys", "go die", "hang yourself", "bomb threat", "shoot up",
	// sexual content involving minors or solicitation
	"child porn", "cp links", "send nudes", "nudes for sale",
	// extremism
	"heil hitler", "sieg heil", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "double your money", "cash app giveaway",
}

// NewFilter returns a Filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Terms containing
// whitespace are matched as phrases; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check reviews text. Blocklist matches win over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	if term, ok := f.matchTokens(tokenizePlain(text)); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return nil
	}
	for i, w := range fields {
		fields[i] = strings.ToLower(w)
	}
	return fields
}

// leetMap undoes common character substitutions.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// tokenizeLeet splits text on whitespace, keeping substitution symbols
// inside each token and trimming other punctuation from its edges.
func tokenizeLeet(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(w, func(r rune) bool {
			_, leet := leetMap[r]
			return !leet && !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			out = append(out, strings.ToLower(w))
		}
	}
	return out
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}
