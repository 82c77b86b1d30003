package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ragchat/types"
)

type entry struct {
	chunk types.Chunk
	seq   uint64
}

// MemoryIndex is the in-process VectorIndex. Live sets are immutable
// slices replaced wholesale on Publish, so Search holds only a read lock.
type MemoryIndex struct {
	mu         sync.RWMutex
	seq        uint64
	dim        int
	created    map[string]uint64           // chunk id -> first upsert order
	staged     map[string]map[string]entry // document id -> chunk id -> entry
	live       map[string][]entry          // document id -> published chunks
	byConv     map[string]map[string]struct{}
	tombstones map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		created:    make(map[string]uint64),
		staged:     make(map[string]map[string]entry),
		live:       make(map[string][]entry),
		byConv:     make(map[string]map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, c types.Chunk) error {
	if c.ID == "" || c.DocumentID == "" || c.ConversationID == "" {
		return fmt.Errorf("%w: chunk needs id, documentId and conversationId", types.ErrValidation)
	}
	if len(c.Vector) == 0 {
		return fmt.Errorf("%w: chunk %s has no vector", types.ErrValidation, c.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.tombstones[c.ConversationID]; dead {
		return fmt.Errorf("%w: conversation %s was deleted", types.ErrNotFound, c.ConversationID)
	}
	if m.dim == 0 {
		m.dim = len(c.Vector)
	} else if len(c.Vector) != m.dim {
		return fmt.Errorf("%w: vector has %d dimensions, index has %d", types.ErrIndexCorruption, len(c.Vector), m.dim)
	}

	seq, ok := m.created[c.ID]
	if !ok {
		m.seq++
		seq = m.seq
		m.created[c.ID] = seq
	}

	set, ok := m.staged[c.DocumentID]
	if !ok {
		set = make(map[string]entry)
		m.staged[c.DocumentID] = set
	}
	c.Vector = append([]float32(nil), c.Vector...)
	set[c.ID] = entry{chunk: c, seq: seq}
	return nil
}

func (m *MemoryIndex) Publish(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.staged[documentID]
	m.dropLive(documentID)
	delete(m.staged, documentID)

	next := make([]entry, 0, len(set))
	for _, e := range set {
		next = append(next, e)
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].chunk.SequenceIndex != next[j].chunk.SequenceIndex {
			return next[i].chunk.SequenceIndex < next[j].chunk.SequenceIndex
		}
		return next[i].seq < next[j].seq
	})

	if len(next) == 0 {
		return nil
	}
	m.live[documentID] = next
	conv := next[0].chunk.ConversationID
	if m.byConv[conv] == nil {
		m.byConv[conv] = make(map[string]struct{})
	}
	m.byConv[conv][documentID] = struct{}{}
	return nil
}

func (m *MemoryIndex) Discard(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaged(documentID)
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, conversationID string, k int, minScore float64) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, dead := m.tombstones[conversationID]; dead {
		return nil, fmt.Errorf("%w: search scoped to deleted conversation %s", types.ErrIndexCorruption, conversationID)
	}
	if m.dim != 0 && len(query) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", types.ErrIndexCorruption, len(query), m.dim)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	var rs []ranked
	for docID := range m.byConv[conversationID] {
		for _, e := range m.live[docID] {
			s := Score(query, e.chunk.Vector)
			if s < minScore {
				continue
			}
			rs = append(rs, ranked{hit: Hit{Chunk: e.chunk, Score: s}, seq: e.seq})
		}
	}
	sortHits(rs)

	if len(rs) > k {
		rs = rs[:k]
	}
	out := make([]Hit, len(rs))
	for i, r := range rs {
		out[i] = r.hit
	}
	return out, nil
}

// DeleteDocument removes staged and live chunks under one lock.
func (m *MemoryIndex) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaged(documentID)
	m.dropLive(documentID)
	return nil
}

// DeleteConversation removes every chunk in the conversation and leaves a
// tombstone so later searches or upserts against it are rejected.
func (m *MemoryIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for docID, set := range m.staged {
		for _, e := range set {
			if e.chunk.ConversationID == conversationID {
				m.dropStaged(docID)
			}
			break
		}
	}
	for docID := range m.byConv[conversationID] {
		m.dropLive(docID)
	}
	delete(m.byConv, conversationID)
	m.tombstones[conversationID] = struct{}{}
	return nil
}

func (m *MemoryIndex) Count(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for docID := range m.byConv[conversationID] {
		n += len(m.live[docID])
	}
	return n, nil
}

func (m *MemoryIndex) dropStaged(documentID string) {
	for id := range m.staged[documentID] {
		if !m.isLive(documentID, id) {
			delete(m.created, id)
		}
	}
	delete(m.staged, documentID)
}

func (m *MemoryIndex) dropLive(documentID string) {
	old, ok := m.live[documentID]
	if !ok {
		return
	}
	staged := m.staged[documentID]
	for _, e := range old {
		if _, still := staged[e.chunk.ID]; !still {
			delete(m.created, e.chunk.ID)
		}
	}
	conv := old[0].chunk.ConversationID
	delete(m.live, documentID)
	if docs := m.byConv[conv]; docs != nil {
		delete(docs, documentID)
		if len(docs) == 0 {
			delete(m.byConv, conv)
		}
	}
}

func (m *MemoryIndex) isLive(documentID, chunkID string) bool {
	for _, e := range m.live[documentID] {
		if e.chunk.ID == chunkID {
			return true
		}
	}
	return false
}
