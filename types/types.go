package types

import (
	"time"
)

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusReady      DocumentStatus = "READY"
	StatusError      DocumentStatus = "ERROR"
)

// CanTransition reports whether a document may move from s to next.
// READY and ERROR are terminal for an upload attempt; only an explicit
// re-index moves them back to PROCESSING.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case StatusProcessing:
		return next == StatusReady || next == StatusError
	case StatusReady, StatusError:
		return next == StatusProcessing
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Document is an uploaded file scoped to exactly one conversation.
// Its JSON form is the DocumentInfo shape the chat UI polls.
type Document struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Size           int64          `json:"size"`
	TotalChunks    int            `json:"totalChunks"`
	ConversationID string         `json:"conversationId"`
	UploadedAt     time.Time      `json:"uploadedAt"`
	Status         DocumentStatus `json:"status"`
}

type Chunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"documentId"`
	ConversationID string    `json:"conversationId"`
	DocumentName   string    `json:"documentName"`
	Text           string    `json:"text"`
	Section        string    `json:"section,omitempty"`
	SequenceIndex  int       `json:"sequenceIndex"`
	Vector         []float32 `json:"-"`
}

// ScoredChunk is a retrieved chunk together with its relevance score in [0,1].
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

type SourceReference struct {
	DocumentName   string  `json:"documentName"`
	Section        string  `json:"section,omitempty"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevanceScore"`
}

type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Sources   []SourceReference `json:"sources,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Conversation struct {
	ID          string    `json:"id"`
	Owner       string    `json:"-"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	DocumentIDs []string  `json:"documentIds"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type ChatResponse struct {
	Answer         string            `json:"answer"`
	ConversationID string            `json:"conversationId"`
	Sources        []SourceReference `json:"sources"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type UserInfo struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}
