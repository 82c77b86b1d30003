package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	maxAnswerSentences = 3
	NoGroundingAnswer  = "I could not find any relevant information in the uploaded documents to answer this question."
)

// ExtractiveGenerator answers by quoting the passage sentences that share
// the most terms with the question. It runs locally and never fails on
// well-formed input.
type ExtractiveGenerator struct{}

func NewExtractiveGenerator() *ExtractiveGenerator { return &ExtractiveGenerator{} }

type candidate struct {
	passage int
	order   int
	text    string
	score   int
}

func (g *ExtractiveGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Passages) == 0 {
		return NoGroundingAnswer, nil
	}

	question := make(map[string]struct{})
	for _, t := range Terms(req.Question) {
		question[t] = struct{}{}
	}

	var cands []candidate
	for pi, p := range req.Passages {
		for _, s := range sentences(p.Text) {
			seen := make(map[string]struct{})
			score := 0
			for _, t := range Terms(s) {
				if _, ok := question[t]; !ok {
					continue
				}
				if _, dup := seen[t]; dup {
					continue
				}
				seen[t] = struct{}{}
				score++
			}
			cands = append(cands, candidate{passage: pi, order: len(cands), text: s, score: score})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	picked := cands[:0:0]
	for _, c := range cands {
		if c.score == 0 || len(picked) == maxAnswerSentences {
			break
		}
		picked = append(picked, c)
	}

	if len(picked) == 0 {
		first := req.Passages[0]
		return fmt.Sprintf("The documents do not answer this directly. The closest passage [1] %s reads: %s",
			first.Label, firstSentence(first.Text)), nil
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].order < picked[j].order })

	var sb strings.Builder
	sb.WriteString("Based on the documents:\n")
	cited := make(map[int]struct{})
	for _, c := range picked {
		fmt.Fprintf(&sb, "- %s [%d]\n", c.text, c.passage+1)
		cited[c.passage] = struct{}{}
	}
	sb.WriteString("\nSources:")
	for pi, p := range req.Passages {
		if _, ok := cited[pi]; ok {
			fmt.Fprintf(&sb, " [%d] %s;", pi+1, p.Label)
		}
	}
	return strings.TrimSuffix(sb.String(), ";"), nil
}

// sentences splits on line breaks and on terminal punctuation followed by
// whitespace.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		start := 0
		runes := []rune(line)
		for i, r := range runes {
			if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || runes[i+1] == ' ') {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstSentence(text string) string {
	if s := sentences(text); len(s) > 0 {
		return s[0]
	}
	return strings.TrimSpace(text)
}
