package api

import (
	"github.com/gofiber/fiber/v2"

	"ragchat/app/middleware"
	"ragchat/auth"
	"ragchat/types"
)

type AuthHandler struct {
	auth *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{auth: svc}
}

func (h *AuthHandler) HandleRegister(c *fiber.Ctx) error {
	var params types.RegisterParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}

	resp, err := h.auth.Register(c.UserContext(), params)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (h *AuthHandler) HandleLogin(c *fiber.Ctx) error {
	var params types.LoginParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}

	resp, err := h.auth.Login(c.UserContext(), params)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (h *AuthHandler) HandleMe(c *fiber.Ctx) error {
	info, err := h.auth.Me(c.UserContext(), middleware.Username(c))
	if err != nil {
		return err
	}
	return c.JSON(info)
}
