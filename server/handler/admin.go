package handler

import (
	"github.com/gofiber/fiber/v2"

	"pkg.world.dev/world-engine/pairing/service"
	"pkg.world.dev/world-engine/pairing/types"
)

type ProcessResponse struct {
	Skipped bool          `json:"skipped"`
	Matches []types.Match `json:"matches"`
	Drifted []string      `json:"drifted,omitempty"`
	Waiting string        `json:"waiting,omitempty"`
}

func PostReconcile(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		report, err := svc.RunConsistencyCheck(ctx.UserContext())
		if err != nil {
			return err
		}
		return ctx.JSON(report)
	}
}

func GetLastReport(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		report, err := svc.LastReport(ctx.UserContext())
		if err != nil {
			return err
		}
		return ctx.JSON(report)
	}
}

func PostValidate(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		res, err := svc.ValidateMatches(ctx.UserContext())
		if err != nil {
			return err
		}
		return ctx.JSON(res)
	}
}

func PostProcess(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		res, err := svc.ProcessQueue(ctx.UserContext())
		if err != nil {
			return err
		}
		matches := res.Matches
		if matches == nil {
			matches = []types.Match{}
		}
		return ctx.JSON(ProcessResponse{
			Skipped: res.Skipped,
			Matches: matches,
			Drifted: res.Drifted,
			Waiting: res.Waiting,
		})
	}
}
