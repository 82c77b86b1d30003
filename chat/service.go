package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ragchat/metrics"
	"ragchat/types"
)

type Retriever interface {
	Retrieve(ctx context.Context, query, conversationID string) ([]types.ScoredChunk, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, question string, chunks []types.ScoredChunk, history []types.Message) (string, []types.SourceReference, error)
}

// Service runs one chat turn: retrieve from the conversation's documents,
// synthesize a grounded answer, and append the turn to history.
type Service struct {
	manager   *Manager
	retriever Retriever
	synth     Synthesizer
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewService(manager *Manager, retriever Retriever, synth Synthesizer, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		manager:   manager,
		retriever: retriever,
		synth:     synth,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.Named("chat"),
	}
}

func (s *Service) Chat(ctx context.Context, owner, message, conversationID string) (*types.ChatResponse, error) {
	start := time.Now()
	resp, err := s.turn(ctx, owner, message, conversationID)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ChatDone(outcome, time.Since(start).Seconds())
	return resp, err
}

func (s *Service) turn(ctx context.Context, owner, message, conversationID string) (*types.ChatResponse, error) {
	asked := s.manager.now()
	conv, err := s.manager.GetOrCreate(ctx, conversationID, owner, message)
	if err != nil {
		return nil, err
	}

	unlock := s.manager.Lock(conv.ID)
	defer unlock()

	// history may have grown while we waited for the lock
	conv, err = s.manager.Get(ctx, conv.ID, owner)
	if err != nil {
		return nil, err
	}

	turnCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	chunks, err := s.retriever.Retrieve(turnCtx, message, conv.ID)
	if err != nil {
		s.logger.Warn("retrieval failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil, err
	}

	answer, sources, err := s.synth.Synthesize(turnCtx, message, chunks, conv.Messages)
	if err != nil {
		s.logger.Warn("synthesis failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil, err
	}

	err = s.manager.AppendMessage(ctx, conv.ID,
		types.Message{Role: types.RoleUser, Content: message, Timestamp: asked},
		types.Message{Role: types.RoleAssistant, Content: answer, Sources: sources, Timestamp: s.manager.now()},
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("chat turn answered",
		zap.String("conversation_id", conv.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("sources", len(sources)))
	return &types.ChatResponse{Answer: answer, ConversationID: conv.ID, Sources: sources}, nil
}
