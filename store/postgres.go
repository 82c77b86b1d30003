package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ragchat/types"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// Pool exposes the connection pool so the pgvector index can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, updated_at DESC);

	CREATE TABLE IF NOT EXISTS deleted_conversations (
		id TEXT PRIMARY KEY,
		deleted_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user','assistant')),
		content TEXT NOT NULL,
		sources JSONB,
		ts TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		size BIGINT NOT NULL,
		total_chunks INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('PROCESSING','READY','ERROR')),
		uploaded_at TIMESTAMP WITH TIME ZONE NOT NULL,
		content BYTEA
	);
	CREATE INDEX IF NOT EXISTS idx_documents_conversation ON documents(conversation_id, uploaded_at);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool is closed")
	}
	return nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u types.User) error {
	_, err := p.pool.Exec(ctx,
		"INSERT INTO users (id, username, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username %q", types.ErrAlreadyExists, u.Username)
	}
	return err
}

func (p *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	u := &types.User{}
	err := p.pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", username)
	}
	return u, nil
}

func (p *PostgresStore) SaveDocument(ctx context.Context, doc types.Document, content []byte) error {
	query := `INSERT INTO documents (id, conversation_id, name, type, size, total_chunks, status, uploaded_at, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			size = EXCLUDED.size,
			total_chunks = EXCLUDED.total_chunks,
			status = EXCLUDED.status,
			content = EXCLUDED.content
			`
	_, err := p.pool.Exec(
		ctx,
		query,
		doc.ID,
		doc.ConversationID,
		doc.Name,
		doc.Type,
		doc.Size,
		doc.TotalChunks,
		string(doc.Status),
		doc.UploadedAt,
		content,
	)
	return err
}

const documentColumns = "id, conversation_id, name, type, size, total_chunks, status, uploaded_at"

func scanDocument(row pgx.Row) (*types.Document, error) {
	doc := &types.Document{}
	var status string
	if err := row.Scan(
		&doc.ID,
		&doc.ConversationID,
		&doc.Name,
		&doc.Type,
		&doc.Size,
		&doc.TotalChunks,
		&status,
		&doc.UploadedAt); err != nil {
		return nil, err
	}
	doc.Status = types.DocumentStatus(status)
	return doc, nil
}

func (p *PostgresStore) GetDocumentByID(ctx context.Context, id string) (*types.Document, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return doc, nil
}

func (p *PostgresStore) GetDocumentContent(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	if err := p.pool.QueryRow(ctx, "SELECT content FROM documents WHERE id = $1", id).Scan(&content); err != nil {
		return nil, notFound(err, "document", id)
	}
	return content, nil
}

func (p *PostgresStore) ListDocuments(ctx context.Context, conversationID string) ([]types.Document, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE conversation_id = $1 ORDER BY uploaded_at, id", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []types.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (p *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, to types.DocumentStatus, totalChunks int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, "SELECT status FROM documents WHERE id = $1 FOR UPDATE", id).Scan(&current); err != nil {
		return notFound(err, "document", id)
	}
	if !types.DocumentStatus(current).CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current, to)
	}

	switch to {
	case types.StatusReady:
		_, err = tx.Exec(ctx, "UPDATE documents SET status = $2, total_chunks = $3 WHERE id = $1", id, string(to), totalChunks)
	case types.StatusError:
		_, err = tx.Exec(ctx, "UPDATE documents SET status = $2, total_chunks = 0 WHERE id = $1", id, string(to))
	default:
		_, err = tx.Exec(ctx, "UPDATE documents SET status = $2 WHERE id = $1", id, string(to))
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) FailProcessingDocuments(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		"UPDATE documents SET status = $1, total_chunks = 0 WHERE status = $2 RETURNING id",
		string(types.StatusError), string(types.StatusProcessing))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) CreateConversation(ctx context.Context, c types.Conversation) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var dead bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM deleted_conversations WHERE id = $1)", c.ID).Scan(&dead); err != nil {
		return err
	}
	if dead {
		return fmt.Errorf("%w: conversation %s was deleted", types.ErrNotFound, c.ID)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO conversations (id, owner, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		c.ID, c.Owner, c.Title, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: conversation %s", types.ErrAlreadyExists, c.ID)
	}
	if err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, c.ID, c.Messages); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	c := &types.Conversation{}
	err := p.pool.QueryRow(ctx,
		"SELECT id, owner, title, created_at, updated_at FROM conversations WHERE id = $1", id,
	).Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	if err := p.fill(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListConversations(ctx context.Context, owner string) ([]types.Conversation, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, owner, title, created_at, updated_at FROM conversations WHERE owner = $1 ORDER BY updated_at DESC, id",
		owner)
	if err != nil {
		return nil, err
	}

	convs := []types.Conversation{}
	for rows.Next() {
		var c types.Conversation
		if err := rows.Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		if err := p.fill(ctx, &convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// fill loads messages and document ids for c.
func (p *PostgresStore) fill(ctx context.Context, c *types.Conversation) error {
	rows, err := p.pool.Query(ctx,
		"SELECT role, content, sources, ts FROM messages WHERE conversation_id = $1 ORDER BY id", c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	c.Messages = []types.Message{}
	for rows.Next() {
		var (
			m       types.Message
			role    string
			sources []byte
		)
		if err := rows.Scan(&role, &m.Content, &sources, &m.Timestamp); err != nil {
			return err
		}
		m.Role = types.Role(role)
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &m.Sources); err != nil {
				return fmt.Errorf("failed to decode sources: %w", err)
			}
		}
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	docs, err := p.ListDocuments(ctx, c.ID)
	if err != nil {
		return err
	}
	c.DocumentIDs = make([]string, 0, len(docs))
	for _, d := range docs {
		c.DocumentIDs = append(c.DocumentIDs, d.ID)
	}
	return nil
}

func (p *PostgresStore) AppendMessages(ctx context.Context, id string, msgs ...types.Message) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var updated time.Time
	if err := tx.QueryRow(ctx, "SELECT updated_at FROM conversations WHERE id = $1 FOR UPDATE", id).Scan(&updated); err != nil {
		return notFound(err, "conversation", id)
	}
	if err := insertMessages(ctx, tx, id, msgs); err != nil {
		return err
	}
	if n := len(msgs); n > 0 && msgs[n-1].Timestamp.After(updated) {
		if _, err := tx.Exec(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", id, msgs[n-1].Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertMessages(ctx context.Context, tx pgx.Tx, id string, msgs []types.Message) error {
	for _, m := range msgs {
		var sources []byte
		if len(m.Sources) > 0 {
			b, err := json.Marshal(m.Sources)
			if err != nil {
				return fmt.Errorf("failed to encode sources: %w", err)
			}
			sources = b
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO messages (conversation_id, role, content, sources, ts) VALUES ($1, $2, $3, $4, $5)",
			id, string(m.Role), m.Content, sources, m.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1", id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM documents WHERE conversation_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO deleted_conversations (id) VALUES ($1) ON CONFLICT DO NOTHING", id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", types.ErrNotFound, kind, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
