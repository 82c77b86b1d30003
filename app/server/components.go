package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ragchat/app/agent"
	"ragchat/app/api"
	"ragchat/auth"
	"ragchat/chat"
	"ragchat/config"
	"ragchat/index"
	"ragchat/loader/chunker"
	"ragchat/loader/service"
	"ragchat/logger"
	"ragchat/metrics"
	"ragchat/model"
	"ragchat/store"
)

// Components is the assembled pipeline shared by the HTTP server and the
// loader CLI.
type Components struct {
	Store     store.DBStorer
	Index     index.VectorIndex
	Retriever *service.Service
	Manager   *chat.Manager
	Chat      *chat.Service
	Auth      *auth.Service
	Metrics   *metrics.Metrics
	Pingers   map[string]api.Pinger
}

func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Components, error) {
	log = logger.OrNop(log)
	m := metrics.New()
	c := &Components{Metrics: m, Pingers: map[string]api.Pinger{}}

	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.ConnString(), log)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.Init(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
		vec := index.NewPgvectorIndex(pg.Pool(), cfg.EmbeddingDim)
		if err := vec.Init(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("create vector index: %w", err)
		}
		c.Store, c.Index = pg, vec
		c.Pingers["postgres"] = pg.Pool()
	default:
		c.Store, c.Index = store.NewMemoryStore(), index.NewMemoryIndex()
	}
	log.Info("storage ready", zap.String("backend", cfg.StoreBackend))

	retry := model.RetryPolicy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     10 * cfg.RetryInitial,
	}
	emb, err := model.NewEmbedder(model.EmbedderConfig{
		Kind:    cfg.Embedder,
		URL:     cfg.EmbeddingURL,
		Model:   cfg.EmbeddingModel,
		Dim:     cfg.EmbeddingDim,
		RPS:     cfg.UpstreamRPS,
		Retry:   retry,
		OnRetry: func(error) { m.Retry("embedding") },
	}, log)
	if err != nil {
		c.Store.Close()
		return nil, err
	}
	gen, err := model.NewGenerator(model.GeneratorConfig{
		Kind:    cfg.Generator,
		URL:     cfg.LLMURL,
		Model:   cfg.LLMModel,
		APIKey:  cfg.LLMAPIKey,
		RPS:     cfg.UpstreamRPS,
		Retry:   retry,
		OnRetry: func(error) { m.Retry("generation") },
	}, log)
	if err != nil {
		c.Store.Close()
		return nil, err
	}

	// the extractive generator has no context window to protect
	var counter agent.TokenCounter = agent.ApproxCounter{}
	if cfg.Generator != "extractive" {
		if tc, err := agent.NewTiktokenCounter(); err != nil {
			log.Warn("tiktoken unavailable, estimating prompt tokens", zap.Error(err))
		} else {
			counter = tc
		}
	}

	c.Retriever = service.New(service.Deps{
		Store:    c.Store,
		Index:    c.Index,
		Embedder: emb,
		Chunker:  chunker.New(chunker.Options{Words: cfg.ChunkSize, Overlap: cfg.ChunkOverlap, Rows: cfg.ChunkRows}),
		Metrics:  m,
		Logger:   log,
	}, service.Config{Workers: cfg.IngestWorkers, TopK: cfg.TopK, MinScore: cfg.MinScore})
	if err := c.Retriever.RecoverInterrupted(ctx); err != nil {
		c.Store.Close()
		return nil, err
	}

	synth := agent.New(gen, counter, agent.Config{
		HistoryTurns:     cfg.HistoryTurns,
		MaxContextChars:  cfg.MaxContextChars,
		MaxContextTokens: cfg.MaxContextTokens,
	}, log)
	c.Manager = chat.NewManager(c.Store, c.Store, c.Retriever, log)
	c.Chat = chat.NewService(c.Manager, c.Retriever, synth, cfg.ChatTimeout, m, log)
	c.Auth = auth.NewService(c.Store, auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL, cfg.RememberTTL), log)
	return c, nil
}

// Close waits for in-flight ingests, then closes storage.
func (c *Components) Close(ctx context.Context) error {
	return errors.Join(c.Retriever.Close(ctx), c.Store.Close())
}
