package index

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/types"
)

// vectorIndexContract exercises the behavior every VectorIndex must share.
func vectorIndexContract(t *testing.T, idx VectorIndex) {
	ctx := context.Background()
	conv, other := uuid.NewString(), uuid.NewString()
	docA, docB := uuid.NewString(), uuid.NewString()
	a1, a2, a3 := uuid.NewString(), uuid.NewString(), uuid.NewString()

	upsert := func(t *testing.T, chunks ...types.Chunk) {
		t.Helper()
		for _, c := range chunks {
			require.NoError(t, idx.Upsert(ctx, c))
		}
	}
	search := func(t *testing.T, convID string, k int, minScore float64) []Hit {
		t.Helper()
		hits, err := idx.Search(ctx, []float32{1, 0, 0}, convID, k, minScore)
		require.NoError(t, err)
		return hits
	}

	t.Run("staged chunks are invisible until publish", func(t *testing.T) {
		upsert(t,
			chunk(a2, docA, conv, 2, 1, 0, 0),
			chunk(a1, docA, conv, 1, 1, 0, 0),
			chunk(a3, docA, conv, 0, 1, 1, 0),
		)
		assert.Empty(t, search(t, conv, 10, 0))
		require.NoError(t, idx.Publish(ctx, docA))

		n, err := idx.Count(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ordering and tie-break", func(t *testing.T) {
		hits := search(t, conv, 10, 0)
		assert.Equal(t, []string{a1, a2, a3}, ids(hits))
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.InDelta(t, 0.70710678, hits[2].Score, 1e-5)

		assert.Equal(t, []string{a1, a2}, ids(search(t, conv, 10, 0.9)))
		assert.Equal(t, []string{a1}, ids(search(t, conv, 1, 0)))
	})

	t.Run("idempotent upsert", func(t *testing.T) {
		upsert(t, chunk(a1, docA, conv, 1, 1, 0, 0), chunk(a2, docA, conv, 2, 1, 0, 0), chunk(a3, docA, conv, 0, 1, 1, 0))
		upsert(t, chunk(a1, docA, conv, 1, 1, 0, 0))
		require.NoError(t, idx.Publish(ctx, docA))
		assert.Equal(t, []string{a1, a2, a3}, ids(search(t, conv, 10, 0)))
	})

	t.Run("publish swaps and discard keeps the live set", func(t *testing.T) {
		b1, b2, b3 := uuid.NewString(), uuid.NewString(), uuid.NewString()
		upsert(t, chunk(b1, docB, other, 0, 1, 0, 0))
		require.NoError(t, idx.Publish(ctx, docB))

		upsert(t, chunk(b2, docB, other, 0, 1, 0, 0))
		assert.Equal(t, []string{b1}, ids(search(t, other, 10, 0)))
		require.NoError(t, idx.Publish(ctx, docB))
		assert.Equal(t, []string{b2}, ids(search(t, other, 10, 0)))

		upsert(t, chunk(b3, docB, other, 0, 1, 0, 0))
		require.NoError(t, idx.Discard(ctx, docB))
		assert.Equal(t, []string{b2}, ids(search(t, other, 10, 0)))
	})

	t.Run("search is scoped to the conversation", func(t *testing.T) {
		for _, h := range search(t, conv, 10, 0) {
			assert.Equal(t, conv, h.Chunk.ConversationID)
		}
		for _, h := range search(t, other, 10, 0) {
			assert.Equal(t, other, h.Chunk.ConversationID)
		}
	})

	t.Run("delete document cascades", func(t *testing.T) {
		require.NoError(t, idx.DeleteDocument(ctx, docB))
		assert.Empty(t, search(t, other, 10, 0))
		assert.Len(t, search(t, conv, 10, 0), 3)
	})

	t.Run("deleted conversation is tombstoned", func(t *testing.T) {
		require.NoError(t, idx.DeleteConversation(ctx, conv))

		n, err := idx.Count(ctx, conv)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = idx.Search(ctx, []float32{1, 0, 0}, conv, 10, 0)
		assert.ErrorIs(t, err, types.ErrIndexCorruption)
		err = idx.Upsert(ctx, chunk(uuid.NewString(), docA, conv, 0, 1, 0, 0))
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestMemoryIndexContract(t *testing.T) {
	vectorIndexContract(t, NewMemoryIndex())
}

func TestPgvectorIndexContract(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	// the chunks table is created with a fixed vector width
	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS chunks, deleted_conversations")
	require.NoError(t, err)
	idx := NewPgvectorIndex(pool, 3)
	require.NoError(t, idx.Init(ctx))

	vectorIndexContract(t, idx)
}
