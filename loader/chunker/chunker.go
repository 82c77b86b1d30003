package chunker

import (
	"fmt"
	"strings"

	"ragchat/types"
)

type Options struct {
	Words   int // word budget per prose chunk
	Overlap int // words repeated between consecutive chunks of a section
	Rows    int // rows or items per tabular chunk
}

func DefaultOptions() Options {
	return Options{Words: 200, Overlap: 30, Rows: 20}
}

// Piece is a chunk before it is numbered and attached to a document.
type Piece struct {
	Section string
	Text    string
}

// Strategy splits normalized document text into ordered pieces.
type Strategy interface {
	Split(text string) ([]Piece, error)
}

type Chunker struct {
	strategies map[string]Strategy
}

func New(opts Options) *Chunker {
	def := DefaultOptions()
	if opts.Words <= 0 {
		opts.Words = def.Words
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Words {
		opts.Overlap = min(def.Overlap, opts.Words/2)
	}
	if opts.Rows <= 1 {
		opts.Rows = def.Rows
	}

	c := &Chunker{strategies: make(map[string]Strategy)}
	p := &prose{words: opts.Words, overlap: opts.Overlap}
	for _, t := range []string{"txt", "md", "markdown", "pdf", "doc", "docx"} {
		c.Register(t, p)
	}
	c.Register("csv", &csvRows{rows: opts.Rows, overlap: tabularOverlap})
	c.Register("json", &jsonItems{rows: opts.Rows, overlap: tabularOverlap, prose: p})
	return c
}

func (c *Chunker) Register(docType string, s Strategy) {
	c.strategies[normalizeType(docType)] = s
}

func (c *Chunker) Supports(docType string) bool {
	_, ok := c.strategies[normalizeType(docType)]
	return ok
}

// Chunk splits text into ordered chunks with SequenceIndex 0..n-1 and no
// vectors. Document and conversation ids are filled in by the caller.
func (c *Chunker) Chunk(text, docType string) ([]types.Chunk, error) {
	s, ok := c.strategies[normalizeType(docType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedFormat, docType)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(strings.ReplaceAll(text, "\f", "")) == "" {
		return nil, types.ErrEmptyContent
	}

	pieces, err := s.Split(text)
	if err != nil {
		return nil, err
	}
	out := make([]types.Chunk, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		out = append(out, types.Chunk{Text: p.Text, Section: p.Section, SequenceIndex: len(out)})
	}
	if len(out) == 0 {
		return nil, types.ErrEmptyContent
	}
	return out, nil
}

func normalizeType(t string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(t)), ".")
}

// slide cuts words into windows of size with the given overlap.
func slide(words []string, size, overlap int) [][]string {
	if len(words) <= size {
		return [][]string{words}
	}
	step := max(size-overlap, 1)
	var out [][]string
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		out = append(out, words[start:end])
		if end == len(words) {
			break
		}
	}
	return out
}
