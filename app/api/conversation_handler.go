package api

import (
	"github.com/gofiber/fiber/v2"

	"ragchat/app/middleware"
	"ragchat/chat"
)

type ConversationHandler struct {
	manager *chat.Manager
}

func NewConversationHandler(m *chat.Manager) *ConversationHandler {
	return &ConversationHandler{manager: m}
}

func (h *ConversationHandler) HandleList(c *fiber.Ctx) error {
	convs, err := h.manager.List(c.UserContext(), middleware.Username(c))
	if err != nil {
		return err
	}
	return c.JSON(convs)
}

func (h *ConversationHandler) HandleGet(c *fiber.Ctx) error {
	conv, err := h.manager.Get(c.UserContext(), c.Params("id"), middleware.Username(c))
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

func (h *ConversationHandler) HandleDelete(c *fiber.Ctx) error {
	if err := h.manager.Delete(c.UserContext(), c.Params("id"), middleware.Username(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
