package handler

import (
	"github.com/gofiber/fiber/v2"
)

// UserRequest is the body of every request that only names the calling user.
type UserRequest struct {
	UserID string `json:"userId"`
}

type JoinQueueRequest struct {
	UserID string `json:"userId"`
	Demo   bool   `json:"demo"`
}

type RoomRequest struct {
	UserID   string `json:"userId"`
	RoomName string `json:"roomName"`
}

func parseBody[T any](ctx *fiber.Ctx) (T, error) {
	var req T
	if err := ctx.BodyParser(&req); err != nil {
		return req, fiber.NewError(fiber.StatusBadRequest, "Bad Request - unparseable body")
	}
	return req, nil
}
