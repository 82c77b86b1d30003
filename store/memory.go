package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"ragchat/types"
)

type storedDocument struct {
	doc     types.Document
	content []byte
}

// MemoryStore is the default DBStorer when no database is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]types.User
	conversations map[string]*types.Conversation
	deleted       map[string]struct{}
	documents     map[string]*storedDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]types.User),
		conversations: make(map[string]*types.Conversation),
		deleted:       make(map[string]struct{}),
		documents:     make(map[string]*storedDocument),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateUser(ctx context.Context, u types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return fmt.Errorf("%w: username %q", types.ErrAlreadyExists, u.Username)
	}
	m.users[u.Username] = u
	return nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", types.ErrNotFound, username)
	}
	return &u, nil
}

func (m *MemoryStore) SaveDocument(ctx context.Context, doc types.Document, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = &storedDocument{doc: doc, content: slices.Clone(content)}
	return nil
}

func (m *MemoryStore) GetDocumentByID(ctx context.Context, id string) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	doc := d.doc
	return &doc, nil
}

func (m *MemoryStore) GetDocumentContent(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return slices.Clone(d.content), nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, conversationID string) ([]types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.documentsOf(conversationID), nil
}

func (m *MemoryStore) documentsOf(conversationID string) []types.Document {
	out := []types.Document{}
	for _, d := range m.documents {
		if d.doc.ConversationID == conversationID {
			out = append(out, d.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.Before(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) UpdateDocumentStatus(ctx context.Context, id string, to types.DocumentStatus, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	if !d.doc.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, d.doc.Status, to)
	}
	d.doc.Status = to
	switch to {
	case types.StatusReady:
		d.doc.TotalChunks = totalChunks
	case types.StatusError:
		d.doc.TotalChunks = 0
	}
	return nil
}

func (m *MemoryStore) FailProcessingDocuments(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id, d := range m.documents {
		if d.doc.Status == types.StatusProcessing {
			d.doc.Status = types.StatusError
			d.doc.TotalChunks = 0
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	delete(m.documents, id)
	return nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c types.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dead := m.deleted[c.ID]; dead {
		return fmt.Errorf("%w: conversation %s was deleted", types.ErrNotFound, c.ID)
	}
	if _, ok := m.conversations[c.ID]; ok {
		return fmt.Errorf("%w: conversation %s", types.ErrAlreadyExists, c.ID)
	}
	c.Messages = slices.Clone(c.Messages)
	c.DocumentIDs = nil
	m.conversations[c.ID] = &c
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return m.snapshot(c), nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, owner string) ([]types.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.Conversation{}
	for _, c := range m.conversations {
		if c.Owner == owner {
			out = append(out, *m.snapshot(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// snapshot copies c with its document ids filled in. Caller holds mu.
func (m *MemoryStore) snapshot(c *types.Conversation) *types.Conversation {
	cp := *c
	cp.Messages = slices.Clone(c.Messages)
	if cp.Messages == nil {
		cp.Messages = []types.Message{}
	}
	cp.DocumentIDs = []string{}
	for _, d := range m.documentsOf(c.ID) {
		cp.DocumentIDs = append(cp.DocumentIDs, d.ID)
	}
	return &cp
}

func (m *MemoryStore) AppendMessages(ctx context.Context, id string, msgs ...types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	c.Messages = append(c.Messages, msgs...)
	if n := len(msgs); n > 0 && msgs[n-1].Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msgs[n-1].Timestamp
	}
	return nil
}

func (m *MemoryStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// DeleteConversation removes the conversation, its messages and any
// document rows still attached, and remembers the id.
func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	delete(m.conversations, id)
	for docID, d := range m.documents {
		if d.doc.ConversationID == id {
			delete(m.documents, docID)
		}
	}
	m.deleted[id] = struct{}{}
	return nil
}
