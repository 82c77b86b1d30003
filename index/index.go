package index

import (
	"context"
	"math"
	"sort"

	"ragchat/types"
)

// Hit is a chunk returned by Search with its clamped cosine score.
type Hit = types.ScoredChunk

// VectorIndex stores chunk vectors scoped by conversation.
//
// Upsert stages chunks; nothing is visible to Search until Publish swaps
// the document's staged set in as its live set. Discard drops a staged set
// without touching the live one.
type VectorIndex interface {
	Upsert(ctx context.Context, chunk types.Chunk) error
	Publish(ctx context.Context, documentID string) error
	Discard(ctx context.Context, documentID string) error
	Search(ctx context.Context, query []float32, conversationID string, k int, minScore float64) ([]Hit, error)
	DeleteDocument(ctx context.Context, documentID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	Count(ctx context.Context, conversationID string) (int, error)
}

// Score is the cosine similarity of a and b clamped to [0,1].
func Score(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return min(max(s, 0), 1)
}

type ranked struct {
	hit Hit
	seq uint64
}

// sortHits orders by score desc, then SequenceIndex asc, then creation order.
func sortHits(rs []ranked) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.hit.Score != b.hit.Score {
			return a.hit.Score > b.hit.Score
		}
		if a.hit.Chunk.SequenceIndex != b.hit.Chunk.SequenceIndex {
			return a.hit.Chunk.SequenceIndex < b.hit.Chunk.SequenceIndex
		}
		return a.seq < b.seq
	})
}
