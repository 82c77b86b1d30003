package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ragchat/index"
	"ragchat/loader/chunker"
	"ragchat/loader/internal"
	"ragchat/metrics"
	"ragchat/model"
	"ragchat/store"
	"ragchat/types"
)

const embedBatchSize = 32

var ErrClosed = errors.New("retriever is shutting down")

type Config struct {
	Workers  int
	TopK     int
	MinScore float64
}

type Deps struct {
	Store     store.DocumentStore
	Index     index.VectorIndex
	Embedder  model.Embedder
	Chunker   *chunker.Chunker
	Extractor internal.Extractor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Service is the Retriever: it owns the ingest pipeline that turns an
// uploaded document into published chunks, and the scoped read path.
type Service struct {
	logger    *zap.Logger
	store     store.DocumentStore
	index     index.VectorIndex
	embedder  model.Embedder
	chunker   *chunker.Chunker
	extractor internal.Extractor
	metrics   *metrics.Metrics

	topK     int
	minScore float64

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(d Deps, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if d.Chunker == nil {
		d.Chunker = chunker.New(chunker.DefaultOptions())
	}
	if d.Extractor == nil {
		d.Extractor = internal.NewTextExtractor()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		logger:    d.Logger.Named("retriever"),
		store:     d.Store,
		index:     d.Index,
		embedder:  d.Embedder,
		chunker:   d.Chunker,
		extractor: d.Extractor,
		metrics:   d.Metrics,
		topK:      cfg.TopK,
		minScore:  cfg.MinScore,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Supports reports whether uploads of docType can be chunked.
func (s *Service) Supports(docType string) bool {
	return s.chunker.Supports(docType)
}

// Ingest stores doc with status PROCESSING and indexes it in the
// background. The channel yields PROCESSING, then READY or ERROR, then
// closes. The work is detached from ctx so it outlives the request.
func (s *Service) Ingest(ctx context.Context, doc types.Document, content []byte) (<-chan types.DocumentStatus, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	doc.Status = types.StatusProcessing
	doc.TotalChunks = 0
	if err := s.store.SaveDocument(ctx, doc, content); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	return s.start(ctx, doc, content), nil
}

// Reindex re-runs the pipeline on the stored bytes of a READY or ERROR
// document. The previous chunks stay searchable until the new set is
// published.
func (s *Service) Reindex(ctx context.Context, documentID string) (*types.Document, <-chan types.DocumentStatus, error) {
	if err := s.reserve(); err != nil {
		return nil, nil, err
	}
	doc, content, err := s.prepareReindex(ctx, documentID)
	if err != nil {
		s.wg.Done()
		return nil, nil, err
	}
	return doc, s.start(ctx, *doc, content), nil
}

func (s *Service) prepareReindex(ctx context.Context, documentID string) (*types.Document, []byte, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.store.GetDocumentContent(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.UpdateDocumentStatus(ctx, documentID, types.StatusProcessing, 0); err != nil {
		return nil, nil, err
	}
	doc.Status = types.StatusProcessing
	doc.TotalChunks = 0
	return doc, content, nil
}

// RecoverInterrupted marks documents left PROCESSING by a previous process
// as ERROR and drops their staged chunks, so they can be re-indexed. Call
// it before accepting traffic.
func (s *Service) RecoverInterrupted(ctx context.Context) error {
	ids, err := s.store.FailProcessingDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted ingests: %w", err)
	}
	for _, id := range ids {
		if err := s.index.Discard(ctx, id); err != nil {
			return fmt.Errorf("failed to discard staged chunks of %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.logger.Warn("marked interrupted ingests as failed", zap.Strings("document_ids", ids))
	}
	return nil
}

// reserve registers one unit of ingest work, or fails once Close has
// begun. Every successful reserve is matched by exactly one wg.Done.
func (s *Service) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	return nil
}

// start runs the pipeline for a reserved, PROCESSING document.
func (s *Service) start(ctx context.Context, doc types.Document, content []byte) <-chan types.DocumentStatus {
	ch := make(chan types.DocumentStatus, 2)
	ch <- types.StatusProcessing

	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer close(ch)

		if err := s.sem.Acquire(bg, 1); err != nil {
			ch <- types.StatusError
			return
		}
		defer s.sem.Release(1)

		ch <- s.ingest(bg, doc, content)
	}()
	return ch
}

func (s *Service) ingest(ctx context.Context, doc types.Document, content []byte) types.DocumentStatus {
	start := time.Now()
	log := s.logger.With(zap.String("document_id", doc.ID), zap.String("name", doc.Name))

	n, err := s.pipeline(ctx, doc, content)
	if err == nil {
		err = s.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusReady, n)
		if errors.Is(err, types.ErrNotFound) {
			// deleted while we were indexing
			if derr := s.index.DeleteDocument(ctx, doc.ID); derr != nil {
				log.Error("failed to drop chunks of deleted document", zap.Error(derr))
			}
			log.Info("document deleted during ingest")
			s.metrics.IngestDone(string(types.StatusError), time.Since(start).Seconds(), 0)
			return types.StatusError
		}
	}
	if err != nil {
		log.Warn("ingest failed", zap.Error(err))
		if derr := s.index.DeleteDocument(ctx, doc.ID); derr != nil {
			log.Error("failed to roll back chunks", zap.Error(derr))
		}
		if uerr := s.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusError, 0); uerr != nil && !errors.Is(uerr, types.ErrNotFound) {
			log.Error("failed to mark document as failed", zap.Error(uerr))
		}
		s.metrics.IngestDone(string(types.StatusError), time.Since(start).Seconds(), 0)
		return types.StatusError
	}

	log.Info("document indexed", zap.Int("chunks", n), zap.Duration("took", time.Since(start)))
	s.metrics.IngestDone(string(types.StatusReady), time.Since(start).Seconds(), n)
	return types.StatusReady
}

// pipeline runs extract, chunk, embed, upsert and publish, returning the
// number of chunks made visible.
func (s *Service) pipeline(ctx context.Context, doc types.Document, content []byte) (int, error) {
	text, err := s.extractor.Extract(ctx, doc.Type, content)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}

	chunks, err := s.chunker.Chunk(text, doc.Type)
	if err != nil {
		return 0, fmt.Errorf("chunk: %w", err)
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		batch := chunks[start:min(start+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return 0, fmt.Errorf("embed: got %d vectors for %d chunks", len(vecs), len(batch))
		}
		for i := range batch {
			batch[i].ID = uuid.NewString()
			batch[i].DocumentID = doc.ID
			batch[i].ConversationID = doc.ConversationID
			batch[i].DocumentName = doc.Name
			batch[i].Vector = vecs[i]
			if err := s.index.Upsert(ctx, batch[i]); err != nil {
				return 0, fmt.Errorf("upsert: %w", err)
			}
		}
	}

	if err := s.index.Publish(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return len(chunks), nil
}

// Retrieve searches the conversation with the configured topK and minScore.
func (s *Service) Retrieve(ctx context.Context, query, conversationID string) ([]types.ScoredChunk, error) {
	return s.Search(ctx, query, conversationID, s.topK, s.minScore)
}

// Search embeds query once and returns at most topK chunks of the
// conversation scoring at least minScore. No match is an empty result.
func (s *Service) Search(ctx context.Context, query, conversationID string, topK int, minScore float64) ([]types.ScoredChunk, error) {
	n, err := s.index.Count(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		s.metrics.Retrieved(0)
		return []types.ScoredChunk{}, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, vec, conversationID, topK, minScore)
	if err != nil {
		return nil, err
	}
	s.metrics.Retrieved(len(hits))
	return hits, nil
}

// DeleteDocument removes the document's chunks and then its record.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.store.GetDocumentByID(ctx, documentID); err != nil {
		return err
	}
	if err := s.index.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// DeleteConversation tombstones the conversation in the index once its
// documents are gone.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.index.DeleteConversation(ctx, conversationID)
}

func (s *Service) ListDocuments(ctx context.Context, conversationID string) ([]types.Document, error) {
	return s.store.ListDocuments(ctx, conversationID)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (*types.Document, error) {
	return s.store.GetDocumentByID(ctx, documentID)
}

// Close stops accepting work and waits for in-flight ingests or ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all ingest workers stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("timeout waiting for ingest workers")
		return ctx.Err()
	}
}
