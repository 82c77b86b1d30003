package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/types"
)

func newDocument(conv string, at time.Time) types.Document {
	return types.Document{
		ID:             uuid.NewString(),
		Name:           "policy.pdf",
		Type:           "pdf",
		Size:           42,
		ConversationID: conv,
		UploadedAt:     at,
		Status:         types.StatusProcessing,
	}
}

func newConversation(owner string, at time.Time) types.Conversation {
	return types.Conversation{ID: uuid.NewString(), Owner: owner, Title: "New Conversation", CreatedAt: at, UpdatedAt: at}
}

// storeContract exercises the behavior every DBStorer must share.
func storeContract(t *testing.T, s DBStorer) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	owner := "user-" + uuid.NewString()[:8]

	t.Run("users", func(t *testing.T) {
		u := types.User{ID: uuid.NewString(), Username: owner, Email: "a@b.co", PasswordHash: "h", CreatedAt: now}
		require.NoError(t, s.CreateUser(ctx, u))
		assert.ErrorIs(t, s.CreateUser(ctx, u), types.ErrAlreadyExists)

		got, err := s.GetUserByUsername(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, "a@b.co", got.Email)

		_, err = s.GetUserByUsername(ctx, "nobody-"+owner)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("document lifecycle", func(t *testing.T) {
		conv := uuid.NewString()
		doc := newDocument(conv, now)
		require.NoError(t, s.SaveDocument(ctx, doc, []byte("raw bytes")))

		content, err := s.GetDocumentContent(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("raw bytes"), content)

		assert.ErrorIs(t, s.UpdateDocumentStatus(ctx, doc.ID, types.StatusProcessing, 0), types.ErrInvalidTransition)
		require.NoError(t, s.UpdateDocumentStatus(ctx, doc.ID, types.StatusReady, 7))
		assert.ErrorIs(t, s.UpdateDocumentStatus(ctx, doc.ID, types.StatusError, 0), types.ErrInvalidTransition)

		got, err := s.GetDocumentByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReady, got.Status)
		assert.Equal(t, 7, got.TotalChunks)

		require.NoError(t, s.UpdateDocumentStatus(ctx, doc.ID, types.StatusProcessing, 0))
		got, _ = s.GetDocumentByID(ctx, doc.ID)
		assert.Equal(t, 7, got.TotalChunks)
		require.NoError(t, s.UpdateDocumentStatus(ctx, doc.ID, types.StatusError, 0))
		got, _ = s.GetDocumentByID(ctx, doc.ID)
		assert.Zero(t, got.TotalChunks)

		second := newDocument(conv, now.Add(time.Second))
		require.NoError(t, s.SaveDocument(ctx, second, nil))
		docs, err := s.ListDocuments(ctx, conv)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, doc.ID, docs[0].ID)

		require.NoError(t, s.DeleteDocument(ctx, doc.ID))
		assert.ErrorIs(t, s.DeleteDocument(ctx, doc.ID), types.ErrNotFound)
		_, err = s.GetDocumentByID(ctx, doc.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)

		docs, err = s.ListDocuments(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.NotNil(t, docs)
		assert.Empty(t, docs)
	})

	t.Run("conversations", func(t *testing.T) {
		older := newConversation(owner, now)
		newer := newConversation(owner, now.Add(time.Minute))
		require.NoError(t, s.CreateConversation(ctx, older))
		require.NoError(t, s.CreateConversation(ctx, newer))
		assert.ErrorIs(t, s.CreateConversation(ctx, older), types.ErrAlreadyExists)

		list, err := s.ListConversations(ctx, owner)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)

		later := now.Add(2 * time.Minute)
		require.NoError(t, s.AppendMessages(ctx, older.ID,
			types.Message{Role: types.RoleUser, Content: "q", Timestamp: later},
			types.Message{Role: types.RoleAssistant, Content: "a", Timestamp: later, Sources: []types.SourceReference{
				{DocumentName: "policy.pdf", Section: "Section 3", Snippet: "30 days", RelevanceScore: 0.8},
			}},
		))

		list, err = s.ListConversations(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, older.ID, list[0].ID)

		got, err := s.GetConversation(ctx, older.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, types.RoleUser, got.Messages[0].Role)
		assert.Empty(t, got.Messages[0].Sources)
		assert.Equal(t, "Section 3", got.Messages[1].Sources[0].Section)

		doc := newDocument(older.ID, now)
		require.NoError(t, s.SaveDocument(ctx, doc, []byte("x")))
		require.NoError(t, s.TouchConversation(ctx, older.ID, later.Add(time.Minute)))
		got, err = s.GetConversation(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{doc.ID}, got.DocumentIDs)
		assert.True(t, got.UpdatedAt.Equal(later.Add(time.Minute)))

		require.NoError(t, s.DeleteConversation(ctx, older.ID))
		_, err = s.GetConversation(ctx, older.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = s.GetDocumentByID(ctx, doc.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, older.ID), types.ErrNotFound)
		assert.ErrorIs(t, s.CreateConversation(ctx, older), types.ErrNotFound)
		assert.ErrorIs(t, s.AppendMessages(ctx, older.ID, types.Message{Role: types.RoleUser}), types.ErrNotFound)
	})

	t.Run("fail processing documents", func(t *testing.T) {
		stuck := newDocument(uuid.NewString(), now)
		done := newDocument(stuck.ConversationID, now)
		done.Status = types.StatusReady
		done.TotalChunks = 3
		require.NoError(t, s.SaveDocument(ctx, stuck, []byte("a")))
		require.NoError(t, s.SaveDocument(ctx, done, []byte("b")))

		ids, err := s.FailProcessingDocuments(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, stuck.ID)
		assert.NotContains(t, ids, done.ID)

		got, err := s.GetDocumentByID(ctx, stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusError, got.Status)
		assert.Zero(t, got.TotalChunks)
		require.NoError(t, s.UpdateDocumentStatus(ctx, stuck.ID, types.StatusProcessing, 0))

		got, err = s.GetDocumentByID(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReady, got.Status)
		assert.Equal(t, 3, got.TotalChunks)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	storeContract(t, s)
}
