package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Embedder converts text into fixed-dimension vectors.
// EmbedBatch returns vectors in input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type EmbedderConfig struct {
	Kind    string // "hash" or "ollama"
	URL     string
	Model   string
	Dim     int
	RPS     float64
	Retry   RetryPolicy
	OnRetry func(error)
}

// NewEmbedder builds the configured embedder wrapped in the retry decorator.
func NewEmbedder(cfg EmbedderConfig, logger *zap.Logger) (Embedder, error) {
	var inner Embedder
	switch cfg.Kind {
	case "", "hash":
		inner = NewHashEmbedder(cfg.Dim)
		logger.Info("using local hash embeddings", zap.Int("dim", inner.Dimension()))
	case "ollama":
		inner = NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dim, newLimiter(cfg.RPS))
		logger.Info("using Ollama for embeddings", zap.String("model", cfg.Model), zap.String("url", cfg.URL))
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Kind)
	}
	return NewRetryingEmbedder(inner, cfg.Retry, cfg.OnRetry), nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

const defaultHTTPTimeout = 60 * time.Second
