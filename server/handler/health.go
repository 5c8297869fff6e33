package handler

import (
	"github.com/gofiber/fiber/v2"

	"pkg.world.dev/world-engine/pairing/service"
)

type GetHealthResponse struct {
	IsServerRunning  bool `json:"isServerRunning"`
	IsStoreReachable bool `json:"isStoreReachable"`
}

func GetHealth(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(GetHealthResponse{
			IsServerRunning:  true,
			IsStoreReachable: svc.Health(ctx.UserContext()) == nil,
		})
	}
}
