package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/pairing/telemetry/sentry"
	"pkg.world.dev/world-engine/pairing/types"
)

type ErrorResponse struct {
	Error Error `json:"error"`
}

type Error struct {
	Message string `json:"message"`
}

// ErrorHandler maps coordinator errors to status codes. Internal details of 5xx errors are logged and
// never returned to the client.
var ErrorHandler = func(c *fiber.Ctx, err error) error {
	code := StatusCode(err)
	message := err.Error()
	if code >= fiber.StatusInternalServerError {
		log.Error().Str("path", c.Path()).Msg(eris.ToString(err, true))
		sentry.CaptureException(c.UserContext(), err)
		message = publicMessage(code)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(code).JSON(ErrorResponse{Error: Error{Message: message}})
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	var e *fiber.Error
	switch {
	case errors.As(err, &e):
		return e.Code
	case eris.Is(err, types.ErrInvalidInput):
		return fiber.StatusBadRequest
	case eris.Is(err, types.ErrAlreadyQueued), eris.Is(err, types.ErrDuplicateParticipant),
		eris.Is(err, types.ErrNotQueued):
		return fiber.StatusConflict
	case eris.Is(err, types.ErrRoomAccessDenied):
		return fiber.StatusForbidden
	case eris.Is(err, types.ErrNotFound):
		return fiber.StatusNotFound
	case eris.Is(err, types.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func publicMessage(code int) string {
	if code == fiber.StatusServiceUnavailable {
		return "store unavailable"
	}
	return "internal server error"
}
