package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"ragchat/types"
)

// NewErrorHandler renders every failure as {code, error}. Domain errors
// are mapped by their sentinel; anything unknown becomes a bare 500.
func NewErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	logger = logger.Named("api")
	return func(c *fiber.Ctx, err error) error {
		var (
			apiErr   Error
			valErr   types.ValidationError
			fiberErr *fiber.Error
		)
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &valErr):
			return c.Status(valErr.Status).JSON(valErr)
		case errors.As(err, &fiberErr):
			apiErr = NewError(fiberErr.Code, fiberErr.Message)
		case errors.Is(err, types.ErrAuth):
			apiErr = NewError(fiber.StatusUnauthorized, err.Error())
		case errors.Is(err, types.ErrNotFound):
			apiErr = NewError(fiber.StatusNotFound, err.Error())
		case errors.Is(err, types.ErrValidation):
			apiErr = NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, types.ErrUpstreamUnavailable):
			logger.Warn("upstream unavailable", zap.String("path", c.Path()), zap.Error(err))
			apiErr = NewError(fiber.StatusServiceUnavailable, "model service unavailable, try again later")
		case errors.Is(err, types.ErrIndexCorruption):
			logger.Error("index corruption", zap.String("path", c.Path()), zap.Error(err))
			apiErr = NewError(fiber.StatusInternalServerError, "internal server error")
		default:
			logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
			apiErr = NewError(fiber.StatusInternalServerError, "internal server error")
		}
		return c.Status(apiErr.Code).JSON(apiErr)
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid id given",
	}
}

func ErrTooLarge(limit int64) Error {
	return Error{
		Code:    fiber.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("file exceeds the %d byte upload limit", limit),
	}
}

func ErrUnsupportedFile(ext string) Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: fmt.Sprintf("unsupported file type %q", ext),
	}
}
