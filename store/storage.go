package store

import (
	"context"
	"time"

	"ragchat/types"
)

type UserStore interface {
	CreateUser(ctx context.Context, u types.User) error
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
}

// DocumentStore holds document metadata, raw uploaded bytes and the
// status lifecycle. UpdateDocumentStatus rejects transitions that
// DocumentStatus.CanTransition does not allow.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc types.Document, content []byte) error
	GetDocumentByID(ctx context.Context, id string) (*types.Document, error)
	GetDocumentContent(ctx context.Context, id string) ([]byte, error)
	ListDocuments(ctx context.Context, conversationID string) ([]types.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, to types.DocumentStatus, totalChunks int) error
	// FailProcessingDocuments moves every PROCESSING document to ERROR
	// and returns their ids.
	FailProcessingDocuments(ctx context.Context) ([]string, error)
	DeleteDocument(ctx context.Context, id string) error
}

// ConversationStore keeps conversations and their append-only history.
// A deleted conversation id can never be created again.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]types.Conversation, error)
	AppendMessages(ctx context.Context, id string, msgs ...types.Message) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error
}

type DBStorer interface {
	UserStore
	DocumentStore
	ConversationStore
	Close() error
}
