package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragchat/store"
	"ragchat/types"
)

const (
	titleLimit   = 50
	defaultTitle = "New Conversation"
)

// DocumentIndex is the part of the Retriever the manager cascades through.
type DocumentIndex interface {
	ListDocuments(ctx context.Context, conversationID string) ([]types.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns conversations: creation, ownership, history appends and
// the delete cascade.
type Manager struct {
	conversations store.ConversationStore
	documents     store.DocumentStore
	index         DocumentIndex
	logger        *zap.Logger
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*convLock
}

func NewManager(conversations store.ConversationStore, documents store.DocumentStore, index DocumentIndex, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conversations: conversations,
		documents:     documents,
		index:         index,
		logger:        logger.Named("conversations"),
		now:           func() time.Time { return time.Now().UTC() },
		locks:         make(map[string]*convLock),
	}
}

// GetOrCreate returns the caller's conversation id, creating it when it
// does not exist yet. An empty id allocates a fresh one. A conversation
// owned by someone else is reported as not found.
func (m *Manager) GetOrCreate(ctx context.Context, id, owner, firstMessage string) (*types.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	} else {
		c, err := m.Get(ctx, id, owner)
		if err == nil || !errors.Is(err, types.ErrNotFound) {
			return c, err
		}
		if _, err := m.conversations.GetConversation(ctx, id); err == nil {
			// exists but belongs to another user
			return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
		}
	}

	now := m.now()
	c := types.Conversation{
		ID:        id,
		Owner:     owner,
		Title:     Title(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.conversations.CreateConversation(ctx, c)
	if errors.Is(err, types.ErrAlreadyExists) {
		return m.Get(ctx, id, owner)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("conversation created", zap.String("conversation_id", id), zap.String("owner", owner))
	c.Messages = []types.Message{}
	c.DocumentIDs = []string{}
	return &c, nil
}

func (m *Manager) Get(ctx context.Context, id, owner string) (*types.Conversation, error) {
	c, err := m.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return c, nil
}

func (m *Manager) List(ctx context.Context, owner string) ([]types.Conversation, error) {
	return m.conversations.ListConversations(ctx, owner)
}

// AppendMessage appends msgs in order and bumps updatedAt.
func (m *Manager) AppendMessage(ctx context.Context, id string, msgs ...types.Message) error {
	return m.conversations.AppendMessages(ctx, id, msgs...)
}

// AttachDocument records that a document now belongs to the conversation.
func (m *Manager) AttachDocument(ctx context.Context, id, documentID string) error {
	doc, err := m.documents.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.ConversationID != id {
		return fmt.Errorf("%w: document %s belongs to conversation %s", types.ErrValidation, documentID, doc.ConversationID)
	}
	return m.conversations.TouchConversation(ctx, id, m.now())
}

// Document returns a document only if its conversation belongs to owner.
func (m *Manager) Document(ctx context.Context, documentID, owner string) (*types.Document, error) {
	doc, err := m.documents.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := m.Get(ctx, doc.ConversationID, owner); err != nil {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, documentID)
	}
	return doc, nil
}

// Delete removes every document of the conversation through the index,
// then the conversation with its messages, then tombstones it in the
// vector index.
func (m *Manager) Delete(ctx context.Context, id, owner string) error {
	if _, err := m.Get(ctx, id, owner); err != nil {
		return err
	}
	unlock := m.Lock(id)
	defer unlock()

	docs, err := m.index.ListDocuments(ctx, id)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := m.index.DeleteDocument(ctx, d.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("delete document %s: %w", d.ID, err)
		}
	}
	if err := m.conversations.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if err := m.index.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("tombstone conversation: %w", err)
	}
	m.logger.Info("conversation deleted", zap.String("conversation_id", id), zap.Int("documents", len(docs)))
	return nil
}

// Lock serializes chat turns on one conversation. The returned func
// releases it.
func (m *Manager) Lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &convLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Title is the first message cut to 50 characters, or a placeholder.
func Title(firstMessage string) string {
	if firstMessage == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(firstMessage) <= titleLimit {
		return firstMessage
	}
	return string([]rune(firstMessage)[:titleLimit]) + "..."
}
