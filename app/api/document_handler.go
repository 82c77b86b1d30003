package api

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragchat/app/middleware"
	"ragchat/chat"
	"ragchat/loader/service"
	"ragchat/types"
)

var allowedExtensions = map[string]struct{}{
	"pdf": {}, "txt": {}, "csv": {}, "md": {}, "markdown": {}, "doc": {}, "docx": {}, "json": {},
}

const maxIDLength = 64

type DocumentHandler struct {
	retriever *service.Service
	manager   *chat.Manager
	maxUpload int64
	logger    *zap.Logger
}

func NewDocumentHandler(r *service.Service, m *chat.Manager, maxUpload int64, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{retriever: r, manager: m, maxUpload: maxUpload, logger: logger.Named("documents")}
}

// HandleUpload stores the file, starts indexing in the background and
// answers right away with status PROCESSING. Without a conversationId a
// new conversation is allocated.
func (h *DocumentHandler) HandleUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return NewError(fiber.StatusBadRequest, "multipart field 'file' is required")
	}
	if fileHeader.Size > h.maxUpload {
		return ErrTooLarge(h.maxUpload)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileHeader.Filename), "."))
	if _, ok := allowedExtensions[ext]; !ok || !h.retriever.Supports(ext) {
		return ErrUnsupportedFile(ext)
	}

	convID := c.FormValue("conversationId")
	if len(convID) > maxIDLength {
		return ErrInvalidID()
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > h.maxUpload {
		return ErrTooLarge(h.maxUpload)
	}

	ctx := c.UserContext()
	conv, err := h.manager.GetOrCreate(ctx, convID, middleware.Username(c), "")
	if err != nil {
		return err
	}

	doc := types.Document{
		ID:             uuid.NewString(),
		Name:           filepath.Base(fileHeader.Filename),
		Type:           ext,
		Size:           int64(len(data)),
		ConversationID: conv.ID,
		UploadedAt:     time.Now().UTC(),
		Status:         types.StatusProcessing,
	}
	if _, err := h.retriever.Ingest(ctx, doc, data); err != nil {
		return err
	}
	if err := h.manager.AttachDocument(ctx, conv.ID, doc.ID); err != nil {
		return err
	}

	h.logger.Info("document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("type", ext),
		zap.Int64("size", doc.Size))
	return c.JSON(doc)
}

// HandleList returns the documents of one of the caller's conversations.
// An unknown conversation has no documents.
func (h *DocumentHandler) HandleList(c *fiber.Ctx) error {
	ctx := c.UserContext()
	convID := c.Query("conversationId")
	if convID == "" {
		return c.JSON([]types.Document{})
	}
	if _, err := h.manager.Get(ctx, convID, middleware.Username(c)); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return c.JSON([]types.Document{})
		}
		return err
	}

	docs, err := h.retriever.ListDocuments(ctx, convID)
	if err != nil {
		return err
	}
	return c.JSON(docs)
}

func (h *DocumentHandler) HandleReindex(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := h.manager.Document(ctx, id, middleware.Username(c)); err != nil {
		return err
	}

	doc, _, err := h.retriever.Reindex(ctx, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *DocumentHandler) HandleDelete(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := h.manager.Document(ctx, id, middleware.Username(c)); err != nil {
		return err
	}
	if err := h.retriever.DeleteDocument(ctx, id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
