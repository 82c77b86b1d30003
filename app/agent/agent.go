package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"ragchat/model"
	"ragchat/types"
)

const (
	historyMessageLimit = 300
	passageSeparator    = "\n\n---\n\n"
)

const systemPrompt = `You are a document assistant. Answer only from the numbered passages in the document context.
If the passages do not contain the answer, say so plainly.
Cite every fact with the [n] label of the passage it came from.
Respond in the same language as the user. Use clean Markdown and no emojis.`

const noGroundingPrompt = "No passage in this conversation's documents matched the question. " +
	"Say that the uploaded documents do not cover it.\n\nQUESTION: %s"

type Config struct {
	HistoryTurns     int
	MaxContextChars  int
	MaxContextTokens int
}

func DefaultConfig() Config {
	return Config{HistoryTurns: 10, MaxContextChars: 40000, MaxContextTokens: 12000}
}

// Synthesizer turns retrieved chunks and recent history into a grounded
// answer with one source reference per passage shown to the generator.
type Synthesizer struct {
	generator model.Generator
	counter   TokenCounter
	cfg       Config
	logger    *zap.Logger
}

func New(gen model.Generator, counter TokenCounter, cfg Config, logger *zap.Logger) *Synthesizer {
	if counter == nil {
		counter = ApproxCounter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = def.MaxContextChars
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &Synthesizer{generator: gen, counter: counter, cfg: cfg, logger: logger.Named("synthesizer")}
}

type placed struct {
	chunk types.ScoredChunk
	text  string
}

func (s *Synthesizer) Synthesize(ctx context.Context, question string, chunks []types.ScoredChunk, history []types.Message) (string, []types.SourceReference, error) {
	start := time.Now()

	used := s.place(chunks)
	req := model.GenerateRequest{
		System:   systemPrompt,
		Question: question,
		History:  s.history(history),
		Passages: make([]model.Passage, 0, len(used)),
	}

	entries := make([]string, 0, len(used))
	for i, p := range used {
		label := Label(p.chunk.Chunk)
		req.Passages = append(req.Passages, model.Passage{Label: label, Text: p.text})
		entries = append(entries, fmt.Sprintf("[%d] %s\n%s", i+1, label, p.text))
	}
	if len(entries) == 0 {
		req.Prompt = fmt.Sprintf(noGroundingPrompt, question)
	} else {
		req.Prompt = "Based on the following document context, answer the question.\n\nDOCUMENT CONTEXT:\n" +
			strings.Join(entries, passageSeparator) + "\n\nQUESTION: " + question
	}

	answer, err := s.generator.Generate(ctx, req)
	if err != nil {
		if !errors.Is(err, types.ErrGenerationServiceUnavailable) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", types.ErrGenerationServiceUnavailable, err)
		}
		return "", nil, err
	}

	sources := make([]types.SourceReference, 0, len(used))
	for _, p := range used {
		sources = append(sources, types.SourceReference{
			DocumentName:   p.chunk.Chunk.DocumentName,
			Section:        p.chunk.Chunk.Section,
			Snippet:        Snippet(p.text, question+" "+answer),
			RelevanceScore: p.chunk.Score,
		})
	}

	s.logger.Debug("answer synthesized",
		zap.Int("passages", len(used)),
		zap.Int("dropped", len(chunks)-len(used)),
		zap.Duration("took", time.Since(start)))
	return answer, sources, nil
}

// Label renders the passage heading shown to the generator and the user.
func Label(c types.Chunk) string {
	if c.Section == "" {
		return c.DocumentName
	}
	return c.DocumentName + " — " + c.Section
}

// place keeps chunks in retrieval order while both budgets hold. A first
// chunk that alone exceeds a budget is cut to fit rather than dropped.
func (s *Synthesizer) place(chunks []types.ScoredChunk) []placed {
	var (
		out    []placed
		chars  int
		tokens int
	)
	for _, c := range chunks {
		text := c.Chunk.Text
		entry := len(Label(c.Chunk)) + len(text) + len(passageSeparator)
		cost := s.counter.Count(text)
		if chars+entry > s.cfg.MaxContextChars || tokens+cost > s.cfg.MaxContextTokens {
			if len(out) == 0 {
				text = s.truncate(text)
				out = append(out, placed{chunk: c, text: text})
			}
			break
		}
		out = append(out, placed{chunk: c, text: text})
		chars += entry
		tokens += cost
	}
	return out
}

func (s *Synthesizer) truncate(text string) string {
	text = cutRunes(text, s.cfg.MaxContextChars)
	for n := s.counter.Count(text); n > s.cfg.MaxContextTokens && text != ""; n = s.counter.Count(text) {
		keep := utf8.RuneCountInString(text) * s.cfg.MaxContextTokens / n
		if keep >= utf8.RuneCountInString(text) {
			keep = utf8.RuneCountInString(text) - 1
		}
		text = cutRunes(text, keep)
	}
	return text
}

func (s *Synthesizer) history(msgs []types.Message) []model.ChatMessage {
	if s.cfg.HistoryTurns == 0 || len(msgs) == 0 {
		return nil
	}
	msgs = msgs[max(0, len(msgs)-s.cfg.HistoryTurns):]
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if utf8.RuneCountInString(content) > historyMessageLimit {
			content = cutRunes(content, historyMessageLimit) + "..."
		}
		out = append(out, model.ChatMessage{Role: string(m.Role), Content: content})
	}
	return out
}

func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
