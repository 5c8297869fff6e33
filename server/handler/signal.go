package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"pkg.world.dev/world-engine/pairing/service"
)

type PreSkipResponse struct {
	Sent bool `json:"sent"`
}

func PostDisconnect(svc *service.Service) func(*fiber.Ctx) error {
	return postLeave(svc.SignalDisconnect)
}

func PostSkip(svc *service.Service) func(*fiber.Ctx) error {
	return postLeave(svc.SignalSkip)
}

func postLeave(leave func(context.Context, string) (service.LeaveResult, error)) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[UserRequest](ctx)
		if err != nil {
			return err
		}
		res, err := leave(ctx.UserContext(), req.UserID)
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}

func PostPreSkip(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[UserRequest](ctx)
		if err != nil {
			return err
		}
		sent, err := svc.SignalPreSkip(ctx.UserContext(), req.UserID)
		if err != nil {
			return err
		}
		return ctx.JSON(PreSkipResponse{Sent: sent})
	}
}

func PostPoll(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[RoomRequest](ctx)
		if err != nil {
			return err
		}
		res, err := svc.PollDisconnect(ctx.UserContext(), req.UserID, req.RoomName)
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}
