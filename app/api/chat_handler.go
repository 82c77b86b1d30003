package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"ragchat/app/middleware"
	"ragchat/chat"
	"ragchat/types"
)

type ChatHandler struct {
	chat *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{chat: svc}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var params types.ChatParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}
	if strings.TrimSpace(params.Message) == "" {
		return types.NewValidationError(map[string]string{"Message": "failed on 'required' tag"})
	}

	resp, err := h.chat.Chat(c.UserContext(), middleware.Username(c), params.Message, params.ConversationID)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}
