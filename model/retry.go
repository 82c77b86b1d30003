package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ragchat/types"
)

type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Retry runs op with exponential backoff. Only transient failures are
// retried; everything else returns after the first attempt.
func Retry[T any](ctx context.Context, p RetryPolicy, onRetry func(error), op func() (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) { onRetry(err) }))
	}
	return backoff.Retry(ctx, wrapped, opts...)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var up *types.UpstreamError
	if errors.As(err, &up) {
		return up.Transient()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryingEmbedder retries transient embedding failures and reports
// exhaustion as ErrEmbeddingServiceUnavailable.
type RetryingEmbedder struct {
	inner   Embedder
	policy  RetryPolicy
	onRetry func(error)
}

func NewRetryingEmbedder(inner Embedder, p RetryPolicy, onRetry func(error)) *RetryingEmbedder {
	return &RetryingEmbedder{inner: inner, policy: p, onRetry: onRetry}
}

func (r *RetryingEmbedder) Dimension() int { return r.inner.Dimension() }

func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := Retry(ctx, r.policy, r.onRetry, func() ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, embedFailure(err)
	}
	return v, nil
}

func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := Retry(ctx, r.policy, r.onRetry, func() ([][]float32, error) {
		return r.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, embedFailure(err)
	}
	return v, nil
}

func embedFailure(err error) error {
	if errors.Is(err, types.ErrValidation) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrEmbeddingServiceUnavailable, err)
}

// RetryingGenerator is the Generator counterpart of RetryingEmbedder.
type RetryingGenerator struct {
	inner   Generator
	policy  RetryPolicy
	onRetry func(error)
}

func NewRetryingGenerator(inner Generator, p RetryPolicy, onRetry func(error)) *RetryingGenerator {
	return &RetryingGenerator{inner: inner, policy: p, onRetry: onRetry}
}

func (r *RetryingGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	out, err := Retry(ctx, r.policy, r.onRetry, func() (string, error) {
		return r.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", types.ErrGenerationServiceUnavailable, err)
	}
	return out, nil
}
