package insight

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// parseState is a state of the response parser.
type parseState int

const (
	seeking1 parseState = iota
	in1
	seeking2
	in2
	seeking3
	in3
	done
)

var stateNames = [...]string{"SEEKING_1", "IN_1", "SEEKING_2", "IN_2", "SEEKING_3", "IN_3", "DONE"}

func (s parseState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// section returns the section whose body is being accumulated, or 0.
func (s parseState) section() int {
	switch s {
	case in1:
		return 1
	case in2:
		return 2
	case in3:
		return 3
	}
	return 0
}

// reached returns the highest section whose header has been consumed.
func (s parseState) reached() int {
	switch s {
	case seeking1:
		return 0
	case in1, seeking2:
		return 1
	case in2, seeking3:
		return 2
	}
	return 3
}

func inSection(n int) parseState {
	return [...]parseState{seeking1, in1, in2, in3}[n]
}

// sectionKeywords are the accepted header titles per section, compared
// after normalization.
var sectionKeywords = [4][]string{
	1: {"general insights", "insights", "key insights", "concise insights", "observations"},
	2: {"alerts", "alert", "warnings", "unusual activity"},
	3: {"summary", "overall summary", "brief summary"},
}

// Parse splits a reply into its three sections with a single forward
// pass. Section headers are only accepted in order; once a header has
// been consumed, neither it nor an earlier one can match again. Status
// is StatusOK when all three headers were found and
// StatusParseIncomplete otherwise. Raw always holds the full text.
// SyncedAt is left for the caller.
func Parse(text string) Result {
	var (
		state  = seeking1
		found  [4]bool
		bodies [4][]string
	)

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for _, line := range lines {
		if sec, rest, ok := matchHeader(line); ok && sec > state.reached() {
			state = inSection(sec)
			found[sec] = true
			if rest != "" {
				bodies[sec] = append(bodies[sec], rest)
			}
			continue
		}
		if sec := state.section(); sec > 0 {
			bodies[sec] = append(bodies[sec], line)
		}
	}

	r := Result{
		Insights: joinBody(bodies[1]),
		Alerts:   joinBody(bodies[2]),
		Summary:  joinBody(bodies[3]),
		Raw:      text,
		Status:   StatusOK,
	}
	if !found[1] || !found[2] || !found[3] {
		r.Status = StatusParseIncomplete
		r.Message = missingMessage(found)
	}
	return r
}

func joinBody(lines []string) string {
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func missingMessage(found [4]bool) string {
	names := [4]string{"", "insights", "alerts", "summary"}
	var missing []string
	for i := 1; i <= 3; i++ {
		if !found[i] {
			missing = append(missing, names[i])
		}
	}
	return "response is missing sections: " + strings.Join(missing, ", ")
}

// matchHeader reports whether line is a section header, which section
// it names, and any text following a colon on the same line.
//
// Accepted forms include "1. General insights", "## Alerts and warnings",
// "**3) Summary:** all normal", "ALERTS!", and a bare ordinal such as
// "2.". A title matches when it starts with one of the section's
// keywords at a word boundary. Trailing words are only accepted on a
// marked header (ordinal, heading, emphasis, or colon) or on a short
// title without a closing period, so body sentences that happen to
// begin with a keyword stay in the body. An ordinal followed by text
// only counts when that text names the same section, so numbered list
// items in a body are not mistaken for headers.
func matchHeader(line string) (section int, rest string, ok bool) {
	s := strings.TrimSpace(line)
	heading := strings.HasPrefix(s, "#")
	s = strings.TrimLeft(s, "# \t")
	emphasis := strings.HasPrefix(s, "*") || strings.HasPrefix(s, "_")
	s = strings.TrimLeft(s, "*_ \t")
	if s == "" {
		return 0, "", false
	}

	ordinal, s := splitOrdinal(s)

	raw, rest, colon := strings.Cut(s, ":")
	title := normalizeTitle(raw)
	rest = strings.TrimSpace(strings.Trim(strings.TrimSpace(rest), "*_"))

	if title == "" {
		if ordinal >= 1 && ordinal <= 3 {
			return ordinal, rest, true
		}
		return 0, "", false
	}

	marked := heading || emphasis || colon || ordinal != 0
	sec := keywordSection(title, marked || shortTitle(raw, title))
	if sec == 0 {
		return 0, "", false
	}
	if ordinal != 0 && ordinal != sec {
		return 0, "", false
	}
	return sec, rest, true
}

// splitOrdinal strips a leading "N." "N)" or "N:" and returns N, or 0
// when s does not start with an ordinal.
func splitOrdinal(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i > 2 || i >= len(s) {
		return 0, s
	}
	switch s[i] {
	case '.', ')', ':':
	default:
		return 0, s
	}
	n := 0
	for _, c := range s[:i] {
		n = n*10 + int(c-'0')
	}
	return n, strings.TrimSpace(s[i+1:])
}

// headerPunct is stripped from the end of a header title.
const headerPunct = ".:-–!? \t"

// normalizeTitle lowercases a header title and removes emphasis
// markers and trailing punctuation.
func normalizeTitle(s string) string {
	s = strings.NewReplacer("*", "", "_", "", "`", "").Replace(s)
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, headerPunct)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// shortTitle reports whether an unmarked line reads like a title rather
// than a sentence: a few words with no closing period.
func shortTitle(raw, title string) bool {
	raw = strings.TrimRight(strings.NewReplacer("*", "", "_", "", "`", "").Replace(raw), " \t")
	return len(strings.Fields(title)) <= 5 && !strings.HasSuffix(raw, ".")
}

// keywordSection returns the section whose keyword title names, or 0.
// An exact keyword always matches; with prefix set, a keyword followed
// by a word boundary matches too.
func keywordSection(title string, prefix bool) int {
	for sec := 1; sec <= 3; sec++ {
		for _, kw := range sectionKeywords[sec] {
			if title == kw {
				return sec
			}
			if prefix && strings.HasPrefix(title, kw) && wordBoundary(title[len(kw):]) {
				return sec
			}
		}
	}
	return 0
}

// wordBoundary reports whether s is empty or starts with a character
// that cannot continue a word.
func wordBoundary(s string) bool {
	if s == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
