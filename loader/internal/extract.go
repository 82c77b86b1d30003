package internal

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"ragchat/types"
)

// Extractor turns raw uploaded bytes into plain text for the chunker.
type Extractor interface {
	Extract(ctx context.Context, docType string, content []byte) (string, error)
}

// TextExtractor is the default Extractor. PDF pages are separated by a
// form feed so the chunker can label them.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (e *TextExtractor) Extract(ctx context.Context, docType string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch strings.ToLower(docType) {
	case "pdf":
		return extractPDF(content)
	case "docx":
		return extractDOCX(content)
	case "doc":
		return extractDOC(content), nil
	case "txt", "md", "markdown", "csv", "json":
		return plainText(content), nil
	}
	return "", fmt.Errorf("%w: %q", types.ErrUnsupportedFormat, docType)
}

func plainText(content []byte) string {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), "")
}

func extractPDF(content []byte) (string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(content), conf)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read pdf: %v", types.ErrValidation, err)
	}

	pages := make([]string, 0, pdfCtx.PageCount)
	for i := 1; i <= pdfCtx.PageCount; i++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, i)
		if err != nil {
			return "", fmt.Errorf("%w: failed to extract page %d: %v", types.ErrValidation, i, err)
		}
		if r == nil {
			pages = append(pages, "")
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", i, err)
		}
		pages = append(pages, contentStreamText(raw))
	}
	return strings.Join(pages, "\f"), nil
}

// contentStreamText pulls the literal and hex string operands of
// text-showing operators (Tj, TJ, ', ") out of a page content stream. Text positioning operators
// become line breaks and ET ends a paragraph.
func contentStreamText(stream []byte) string {
	var (
		out     strings.Builder
		line    strings.Builder
		pending []string
		inArray bool
	)
	endLine := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			out.WriteString(s)
			out.WriteString("\n")
		}
		line.Reset()
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, next := readLiteral(stream, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(stream) && stream[i+1] == '<':
			// dictionary open, e.g. marked-content properties
			i += 2
		case c == '<':
			s, next := readHex(stream, i)
			pending = append(pending, s)
			i = next
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case inArray && (c == '-' || (c >= '0' && c <= '9')):
			start := i
			for i < len(stream) && (stream[i] == '-' || stream[i] == '.' || (stream[i] >= '0' && stream[i] <= '9')) {
				i++
			}
			// large negative kerning inside TJ is a word gap
			if n := string(stream[start:i]); strings.HasPrefix(n, "-") && len(n) >= 4 {
				pending = append(pending, " ")
			}
		case isOperatorByte(c):
			start := i
			for i < len(stream) && isOperatorByte(stream[i]) {
				i++
			}
			switch string(stream[start:i]) {
			case "Tj", "TJ":
				line.WriteString(strings.Join(pending, ""))
			case "'", "\"":
				endLine()
				line.WriteString(strings.Join(pending, ""))
			case "T*", "Td", "TD", "Tm":
				endLine()
			case "ET":
				endLine()
			}
			pending = pending[:0]
		default:
			i++
		}
	}
	endLine()
	return out.String()
}

func isOperatorByte(c byte) bool {
	return c == '\'' || c == '"' || c == '*' || (c < utf8.RuneSelf && unicode.IsLetter(rune(c)))
}

// readLiteral decodes a PDF literal string starting at stream[i] == '('.
func readLiteral(stream []byte, i int) (string, int) {
	var b strings.Builder
	depth := 0
	for i < len(stream) {
		c := stream[i]
		switch {
		case c == '\\' && i+1 < len(stream):
			i++
			switch esc := stream[i]; esc {
			case 'n':
				b.WriteByte('\n')
			case 'r', 't':
				b.WriteByte(' ')
			case '(', ')', '\\':
				b.WriteByte(esc)
			default:
				if esc >= '0' && esc <= '7' {
					v, j := 0, 0
					for j < 3 && i < len(stream) && stream[i] >= '0' && stream[i] <= '7' {
						v = v*8 + int(stream[i]-'0')
						i++
						j++
					}
					b.WriteRune(rune(v))
					continue
				}
				b.WriteByte(esc)
			}
			i++
			continue
		case c == '(':
			depth++
			if depth > 1 {
				b.WriteByte(c)
			}
		case c == ')':
			depth--
			if depth == 0 {
				return b.String(), i + 1
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String(), i
}

// readHex decodes a PDF hex string starting at stream[i] == '<'.
// Whitespace is ignored and an odd final digit is padded with 0.
func readHex(stream []byte, i int) (string, int) {
	digits := make([]byte, 0, 64)
	for i++; i < len(stream) && stream[i] != '>'; i++ {
		c := stream[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			digits = append(digits, c)
		}
	}
	if i < len(stream) {
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, hex.DecodedLen(len(digits)))
	if _, err := hex.Decode(raw, digits); err != nil {
		return "", i
	}
	return decodePDFText(raw), i
}

// decodePDFText maps string bytes to text without font CMaps: a UTF-16BE
// byte order mark or a two-byte encoding with zero high bytes is decoded
// as UTF-16, anything else as Latin-1.
func decodePDFText(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		return utf16BE(raw[2:])
	}
	if len(raw) > 0 && len(raw)%2 == 0 {
		wide := true
		for k := 0; k < len(raw); k += 2 {
			if raw[k] != 0 {
				wide = false
				break
			}
		}
		if wide {
			return utf16BE(raw)
		}
	}
	var b strings.Builder
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return b.String()
}

func utf16BE(raw []byte) string {
	units := make([]uint16, 0, len(raw)/2)
	for k := 0; k+1 < len(raw); k += 2 {
		units = append(units, uint16(raw[k])<<8|uint16(raw[k+1]))
	}
	return string(utf16.Decode(units))
}

type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

// extractDOCX reads word/document.xml; each w:p becomes a paragraph.
func extractDOCX(content []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: not a docx archive: %v", types.ErrValidation, err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("%w: failed to open document.xml: %v", types.ErrValidation, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: failed to read document.xml: %v", types.ErrValidation, err)
		}

		var doc docxDocument
		if err := xml.Unmarshal(raw, &doc); err != nil {
			return "", fmt.Errorf("%w: malformed document.xml: %v", types.ErrValidation, err)
		}

		paras := make([]string, 0, len(doc.Body.Paragraphs))
		for _, p := range doc.Body.Paragraphs {
			var sb strings.Builder
			for _, r := range p.Runs {
				for _, t := range r.Text {
					sb.WriteString(t.Content)
				}
			}
			if s := strings.TrimSpace(sb.String()); s != "" {
				paras = append(paras, s)
			}
		}
		return strings.Join(paras, "\n\n"), nil
	}
	return "", fmt.Errorf("%w: docx has no word/document.xml", types.ErrValidation)
}

// extractDOC keeps runs of printable text from a legacy binary .doc file.
func extractDOC(content []byte) string {
	const minRun = 4
	var (
		out strings.Builder
		run strings.Builder
	)
	flush := func() {
		if utf8.RuneCountInString(strings.TrimSpace(run.String())) >= minRun {
			out.WriteString(strings.TrimSpace(run.String()))
			out.WriteString("\n")
		}
		run.Reset()
	}
	for _, r := range strings.ToValidUTF8(string(content), "\x00") {
		switch {
		case r == '\r' || r == '\n':
			flush()
		case unicode.IsPrint(r):
			run.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out.String()
}
