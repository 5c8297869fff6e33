package handler

import (
	"github.com/gofiber/fiber/v2"

	"pkg.world.dev/world-engine/pairing/service"
)

type LeaveQueueResponse struct {
	Status service.Status `json:"status"`
}

func PostJoinQueue(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[JoinQueueRequest](ctx)
		if err != nil {
			return err
		}
		res, err := svc.JoinQueue(ctx.UserContext(), req.UserID, req.Demo)
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}

func PostLeaveQueue(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[UserRequest](ctx)
		if err != nil {
			return err
		}
		status, err := svc.LeaveQueue(ctx.UserContext(), req.UserID)
		if err != nil {
			return err
		}
		return ctx.JSON(LeaveQueueResponse{Status: status})
	}
}

func GetMatchStatus(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		res, err := svc.CheckMatchStatus(ctx.UserContext(), ctx.Params("userId"))
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}

func GetLeftBehind(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		res, err := svc.LeftBehindStatus(ctx.UserContext(), ctx.Params("userId"))
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}
