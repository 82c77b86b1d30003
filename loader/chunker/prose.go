package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	mdHeading       = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	sectionHeading  = regexp.MustCompile(`(?i)^section\s+(\d{1,3}(?:\.\d{1,3})*)\b`)
	numberedHeading = regexp.MustCompile(`^(\d{1,3})\.\s+\S|^(\d{1,3}(?:\.\d{1,3})+)\.?\s+\S`)
	blankLines      = regexp.MustCompile(`\n[ \t]*\n`)
)

const maxHeadingLen = 80

type prose struct {
	words   int
	overlap int
}

// paragraph is one blank-line separated block, tagged with the section it
// belongs to. key groups paragraphs that may share a chunk.
type paragraph struct {
	key   string
	label string
	text  string
	num   int
}

func (p *prose) Split(text string) ([]Piece, error) {
	paras := p.paragraphs(text)

	var out []Piece
	for start := 0; start < len(paras); {
		end := start
		for end < len(paras) && paras[end].key == paras[start].key {
			end++
		}
		out = append(out, p.window(paras[start:end])...)
		start = end
	}
	return out, nil
}

func (p *prose) paragraphs(text string) []paragraph {
	pages := strings.Split(text, "\f")
	paged := len(pages) > 1

	var (
		out     []paragraph
		label   string
		mdPath  []string
		pending string
		num     int
	)

	emit := func(body string, page int) {
		if pending != "" {
			body = pending + "\n" + body
			pending = ""
		}
		num++
		par := paragraph{key: label, label: label, text: body, num: num}
		if label == "" {
			if paged {
				par.key = fmt.Sprintf("Page %d", page)
				par.label = par.key
			} else {
				par.key = "paragraphs"
			}
		}
		out = append(out, par)
	}

	for pi, page := range pages {
		for _, block := range blankLines.Split(page, -1) {
			var lines []string
			flush := func() {
				if len(lines) > 0 {
					emit(strings.Join(lines, "\n"), pi+1)
					lines = nil
				}
			}
			for _, raw := range strings.Split(block, "\n") {
				line := strings.TrimSpace(raw)
				if line == "" {
					continue
				}
				if next, path, ok := headingLabel(line, mdPath); ok {
					flush()
					label, mdPath, pending = next, path, line
					continue
				}
				lines = append(lines, line)
			}
			flush()
		}
	}
	if pending != "" {
		// a trailing heading with no body still carries text
		num++
		out = append(out, paragraph{key: label, label: label, text: pending, num: num})
	}
	return out
}

// headingLabel reports whether line is a heading and returns the section
// label it starts along with the updated markdown heading path.
func headingLabel(line string, path []string) (string, []string, bool) {
	if m := mdHeading.FindStringSubmatch(line); m != nil {
		level := len(m[1])
		if len(path) >= level {
			path = path[:level-1]
		}
		next := append(append([]string(nil), path...), m[2])
		return strings.Join(next, " > "), next, true
	}
	if len(line) > maxHeadingLen {
		return "", path, false
	}
	if m := sectionHeading.FindStringSubmatch(line); m != nil {
		return "Section " + m[1], nil, true
	}
	if m := numberedHeading.FindStringSubmatch(line); m != nil && !endsSentence(line) {
		n := m[1]
		if n == "" {
			n = m[2]
		}
		return "Section " + n, nil, true
	}
	if isUpperHeading(line) {
		return line, nil, true
	}
	return "", path, false
}

func endsSentence(line string) bool {
	return strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") || strings.HasSuffix(line, ";")
}

func isUpperHeading(line string) bool {
	if len(strings.Fields(line)) > 8 || endsSentence(line) {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

// window packs the paragraphs of one section into chunks of at most
// p.words words, carrying p.overlap words from one chunk into the next.
func (p *prose) window(paras []paragraph) []Piece {
	var (
		out   []Piece
		parts []string
		words int
		first int
		last  int
		fresh bool
		tail  []string
	)

	label := func() string {
		if paras[0].label != "" {
			return paras[0].label
		}
		return fmt.Sprintf("Paragraphs %d-%d", first, last)
	}
	emit := func() {
		if fresh {
			out = append(out, Piece{Section: label(), Text: strings.Join(parts, "\n\n")})
			tail = lastWords(strings.Join(parts, " "), p.overlap)
		}
		parts, words, fresh = nil, 0, false
	}
	open := func(num, n int) {
		keep := min(len(tail), max(p.words-n, 0))
		if keep > 0 {
			parts = []string{strings.Join(tail[len(tail)-keep:], " ")}
			words = keep
		}
		first = num
	}

	for _, par := range paras {
		n := len(strings.Fields(par.text))

		if n > p.words {
			emit()
			first, last = par.num, par.num
			for _, w := range slide(strings.Fields(par.text), p.words, p.overlap) {
				out = append(out, Piece{Section: label(), Text: strings.Join(w, " ")})
			}
			tail = lastWords(par.text, p.overlap)
			continue
		}

		if fresh && words+n > p.words {
			emit()
		}
		if !fresh {
			open(par.num, n)
		}
		parts = append(parts, par.text)
		words += n
		last = par.num
		fresh = true
	}
	emit()
	return out
}

func lastWords(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	w := strings.Fields(text)
	if len(w) > n {
		w = w[len(w)-n:]
	}
	return w
}
