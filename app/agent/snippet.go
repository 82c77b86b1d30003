package agent

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	snippetWindow  = 200
	snippetLead    = 40
	snippetMinimum = 150
)

// Snippet returns a verbatim excerpt of content around the densest cluster
// of query keywords. Keywords are query words longer than three characters
// or containing a digit; numbers only match as whole numbers.
func Snippet(content, query string) string {
	if content == "" {
		return ""
	}

	var matches []int
	for _, kw := range keywords(query) {
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(kw))
		numeric := strings.ContainsFunc(kw, unicode.IsDigit)
		for _, loc := range re.FindAllStringIndex(content, -1) {
			if numeric && (digitBefore(content, loc[0]) || digitAt(content, loc[1])) {
				continue
			}
			matches = append(matches, loc[0])
		}
	}
	if len(matches) == 0 {
		return head(content)
	}
	slices.Sort(matches)

	best, density := matches[0], 0
	for i, from := range matches {
		n := 0
		for _, pos := range matches[i:] {
			if pos >= from+snippetWindow {
				break
			}
			n++
		}
		if n > density {
			best, density = from, n
		}
	}

	start := max(0, best-snippetLead)
	end := min(len(content), start+snippetWindow)
	if end == len(content) {
		start = max(0, end-snippetWindow)
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start++
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end--
	}

	s := content[start:end]
	if start > 0 {
		if i := strings.IndexByte(s, ' '); i >= 0 && i < len(s)-1 {
			s = s[i+1:]
		}
	}
	if end < len(content) {
		if i := strings.LastIndexByte(s, ' '); i > 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func keywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if utf8.RuneCountInString(w) <= 3 && !strings.ContainsFunc(w, unicode.IsDigit) {
			continue
		}
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func head(content string) string {
	n := 0
	for i := range content {
		if n == snippetMinimum {
			s := content[:i]
			if j := strings.LastIndexByte(s, ' '); j > 0 {
				s = s[:j]
			}
			return strings.TrimSpace(s)
		}
		n++
	}
	return strings.TrimSpace(content)
}

func digitBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsDigit(r)
}

func digitAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsDigit(r)
}
