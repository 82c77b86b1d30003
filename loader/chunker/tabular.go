package chunker

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ragchat/types"
)

const tabularOverlap = 2

type csvRows struct {
	rows    int
	overlap int
}

// Split groups data rows into windows and prepends the header row to each.
func (s *csvRows) Split(text string) ([]Piece, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv: %v", types.ErrValidation, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: csv has no data rows", types.ErrEmptyContent)
	}

	header := encodeCSV(records[:1])
	var out []Piece
	for _, w := range windows(len(records)-1, s.rows, s.overlap) {
		out = append(out, Piece{
			Section: fmt.Sprintf("Rows %d-%d", w[0]+1, w[1]),
			Text:    header + encodeCSV(records[1+w[0]:1+w[1]]),
		})
	}
	return out, nil
}

func encodeCSV(records [][]string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.WriteAll(records)
	return buf.String()
}

type jsonItems struct {
	rows    int
	overlap int
	prose   *prose
}

// Split chunks a top-level array like rows and a top-level object per key,
// keeping the keys in document order.
func (s *jsonItems) Split(text string) ([]Piece, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, malformedJSON(err)
	}

	var out []Piece
	switch tok {
	case json.Delim('['):
		var items []string
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, malformedJSON(err)
			}
			items = append(items, compact(raw))
		}
		if len(items) == 0 {
			return nil, types.ErrEmptyContent
		}
		for _, w := range windows(len(items), s.rows, s.overlap) {
			out = append(out, Piece{
				Section: fmt.Sprintf("Items %d-%d", w[0]+1, w[1]),
				Text:    strings.Join(items[w[0]:w[1]], "\n"),
			})
		}
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, malformedJSON(err)
			}
			key, _ := keyTok.(string)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, malformedJSON(err)
			}
			body := key + ": " + indent(raw)
			for _, w := range slide(strings.Fields(body), s.prose.words, s.prose.overlap) {
				text := body
				if len(strings.Fields(body)) > s.prose.words {
					text = strings.Join(w, " ")
				}
				out = append(out, Piece{Section: key, Text: text})
			}
		}
	default:
		out = append(out, Piece{Section: "Value", Text: fmt.Sprint(tok)})
	}

	if tok == json.Delim('[') || tok == json.Delim('{') {
		if _, err := dec.Token(); err != nil {
			return nil, malformedJSON(err)
		}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformedJSON(errors.New("trailing data after top-level value"))
	}
	return out, nil
}

func malformedJSON(err error) error {
	return fmt.Errorf("%w: malformed json: %v", types.ErrValidation, err)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func indent(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// windows returns [start,end) ranges of size n over total items, each
// starting overlap items before the previous end.
func windows(total, n, overlap int) [][2]int {
	step := max(n-overlap, 1)
	var out [][2]int
	for start := 0; start < total; start += step {
		end := min(start+n, total)
		out = append(out, [2]int{start, end})
		if end == total {
			break
		}
	}
	return out
}
