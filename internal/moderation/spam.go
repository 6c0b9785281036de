package moderation

import (
	"regexp"
	"strings"
)

var (
	// Bare domains only count with a path, so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// +1-555-123-4567, (555) 123-4567, 555.123.4567. Must stand alone
	// between whitespace.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row
)

// spamCheck is one named pattern. The name is reported as FilterResult.Term
// and used as the metric label.
type spamCheck struct {
	name  string
	match func(string) bool
}

// First match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			prev, run = r, 0
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports wordFloodRun identical whitespace-separated words in a
// row, ignoring case.
func hasWordFlood(text string) bool {
	words := strings.Fields(text)
	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w != prev {
			prev, run = w, 0
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
