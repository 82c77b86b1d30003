package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ragchat/types"
)

// Generator produces answer text from a prompt. Prompt already contains
// the grounding context; Passages and Question are there for generators
// that work on the structured form instead.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type GenerateRequest struct {
	System   string
	Prompt   string
	Question string
	Passages []Passage
	History  []ChatMessage
}

type Passage struct {
	Label string
	Text  string
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GeneratorConfig struct {
	Kind    string // "extractive", "ollama" or "openai"
	URL     string
	Model   string
	APIKey  string
	RPS     float64
	Retry   RetryPolicy
	OnRetry func(error)
}

func NewGenerator(cfg GeneratorConfig, logger *zap.Logger) (Generator, error) {
	var inner Generator
	switch cfg.Kind {
	case "", "extractive":
		inner = NewExtractiveGenerator()
		logger.Info("using extractive answer generator")
	case "ollama":
		inner = NewOllamaGenerator(cfg.URL, cfg.Model, newLimiter(cfg.RPS))
		logger.Info("using Ollama for generation", zap.String("model", cfg.Model), zap.String("url", cfg.URL))
	case "openai":
		inner = NewChatCompletionsGenerator(cfg.URL, cfg.Model, cfg.APIKey, newLimiter(cfg.RPS))
		logger.Info("using chat completions API for generation", zap.String("model", cfg.Model), zap.String("url", cfg.URL))
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Kind)
	}
	return NewRetryingGenerator(inner, cfg.Retry, cfg.OnRetry), nil
}

// OllamaGenerator calls Ollama's /api/generate and merges streamed chunks.
type OllamaGenerator struct {
	url     string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func NewOllamaGenerator(url, model string, limiter *rate.Limiter) *OllamaGenerator {
	return &OllamaGenerator{url: url, model: model, client: &http.Client{Timeout: defaultHTTPTimeout}, limiter: limiter}
}

func (g *OllamaGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := waitLimiter(ctx, g.limiter); err != nil {
		return "", err
	}

	prompt := req.Prompt
	if len(req.History) > 0 {
		var sb strings.Builder
		sb.WriteString("Conversation so far:\n")
		for _, m := range req.History {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
		sb.WriteString("\n")
		sb.WriteString(prompt)
		prompt = sb.String()
	}

	reqBody, err := json.Marshal(ollamaGenerateRequest{Model: g.model, System: req.System, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := postJSON(ctx, g.client, g.url, "", reqBody, "ollama generate")
	if err != nil {
		return "", err
	}

	var genResp ollamaGenerateResponse
	if err := json.Unmarshal(body, &genResp); err == nil && genResp.Response != "" {
		return genResp.Response, nil
	}

	// streamed response: one JSON object per line
	var output strings.Builder
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var chunk ollamaGenerateResponse
		if err := decoder.Decode(&chunk); err != nil {
			return "", fmt.Errorf("failed to decode stream: %w", err)
		}
		output.WriteString(chunk.Response)
	}
	return output.String(), nil
}

// ChatCompletionsGenerator talks to any OpenAI-compatible
// {base}/chat/completions endpoint.
type ChatCompletionsGenerator struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

func NewChatCompletionsGenerator(baseURL, model, apiKey string, limiter *rate.Limiter) *ChatCompletionsGenerator {
	return &ChatCompletionsGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: limiter,
	}
}

func (g *ChatCompletionsGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := waitLimiter(ctx, g.limiter); err != nil {
		return "", err
	}

	messages := make([]ChatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, req.History...)
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: 0.5,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := postJSON(ctx, g.client, g.baseURL+"/chat/completions", g.apiKey, reqBody, "chat completions")
	if err != nil {
		return "", err
	}

	var resp chatCompletionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completions returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, payload []byte, service string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 1024 {
			body = body[:1024]
		}
		return nil, &types.UpstreamError{Service: service, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
