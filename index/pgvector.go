package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"ragchat/types"
)

// PgvectorIndex keeps chunks in Postgres. Staged rows carry
// published=false; Publish swaps them in inside one transaction.
type PgvectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPgvectorIndex(pool *pgxpool.Pool, dim int) *PgvectorIndex {
	return &PgvectorIndex{pool: pool, dim: dim}
}

func (p *PgvectorIndex) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		document_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		document_name TEXT NOT NULL,
		section TEXT,
		content TEXT NOT NULL,
		seq_index INT NOT NULL,
		created_seq BIGSERIAL,
		embedding vector(%d) NOT NULL,
		PRIMARY KEY (id, published)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON chunks(conversation_id) WHERE published;

	CREATE TABLE IF NOT EXISTS deleted_conversations (
		id TEXT PRIMARY KEY,
		deleted_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);
	`, p.dim)
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PgvectorIndex) Upsert(ctx context.Context, c types.Chunk) error {
	if c.ID == "" || c.DocumentID == "" || c.ConversationID == "" {
		return fmt.Errorf("%w: chunk needs id, documentId and conversationId", types.ErrValidation)
	}
	if len(c.Vector) != p.dim {
		return fmt.Errorf("%w: vector has %d dimensions, index has %d", types.ErrIndexCorruption, len(c.Vector), p.dim)
	}
	dead, err := p.tombstoned(ctx, c.ConversationID)
	if err != nil {
		return err
	}
	if dead {
		return fmt.Errorf("%w: conversation %s was deleted", types.ErrNotFound, c.ConversationID)
	}

	query := `
	INSERT INTO chunks (id, published, document_id, conversation_id, document_name, section, content, seq_index, embedding)
	VALUES ($1, FALSE, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id, published) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		conversation_id = EXCLUDED.conversation_id,
		document_name = EXCLUDED.document_name,
		section = EXCLUDED.section,
		content = EXCLUDED.content,
		seq_index = EXCLUDED.seq_index,
		embedding = EXCLUDED.embedding
	`
	_, err = p.pool.Exec(ctx, query,
		c.ID, c.DocumentID, c.ConversationID, c.DocumentName, c.Section, c.Text, c.SequenceIndex,
		pgvector.NewVector(c.Vector),
	)
	return err
}

func (p *PgvectorIndex) Publish(ctx context.Context, documentID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1 AND published", documentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "UPDATE chunks SET published = TRUE WHERE document_id = $1 AND NOT published", documentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PgvectorIndex) Discard(ctx context.Context, documentID string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1 AND NOT published", documentID)
	return err
}

func (p *PgvectorIndex) Search(ctx context.Context, query []float32, conversationID string, k int, minScore float64) ([]Hit, error) {
	if len(query) != p.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", types.ErrIndexCorruption, len(query), p.dim)
	}
	dead, err := p.tombstoned(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if dead {
		return nil, fmt.Errorf("%w: search scoped to deleted conversation %s", types.ErrIndexCorruption, conversationID)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	// ordering on the raw distance lets the hnsw index serve the scan
	sql := `
		SELECT id, document_id, conversation_id, document_name, COALESCE(section, ''), content, seq_index,
		       GREATEST(0, LEAST(1, 1 - (embedding <=> $1))) AS score
		FROM chunks
		WHERE conversation_id = $2 AND published
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1 ASC, seq_index ASC, created_seq ASC
		LIMIT $4
	`
	rows, err := p.pool.Query(ctx, sql, pgvector.NewVector(query), conversationID, minScore, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(
			&h.Chunk.ID,
			&h.Chunk.DocumentID,
			&h.Chunk.ConversationID,
			&h.Chunk.DocumentName,
			&h.Chunk.Section,
			&h.Chunk.Text,
			&h.Chunk.SequenceIndex,
			&h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DeleteDocument drops staged and live rows in one statement.
func (p *PgvectorIndex) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID)
	return err
}

func (p *PgvectorIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE conversation_id = $1", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO deleted_conversations (id) VALUES ($1) ON CONFLICT DO NOTHING", conversationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PgvectorIndex) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, "SELECT count(*) FROM chunks WHERE conversation_id = $1 AND published", conversationID).Scan(&n)
	return n, err
}

func (p *PgvectorIndex) tombstoned(ctx context.Context, conversationID string) (bool, error) {
	var dead bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM deleted_conversations WHERE id = $1)", conversationID).Scan(&dead)
	return dead, err
}
