package handler

import (
	"github.com/gofiber/fiber/v2"

	"pkg.world.dev/world-engine/pairing/service"
	"pkg.world.dev/world-engine/pairing/types"
)

type HeartbeatResponse = types.HeartbeatRecord

type VerifyRoomResponse struct {
	Allowed bool        `json:"allowed"`
	Match   types.Match `json:"match"`
}

func PostHeartbeat(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[UserRequest](ctx)
		if err != nil {
			return err
		}
		rec, err := svc.SendHeartbeat(ctx.UserContext(), req.UserID)
		if err != nil {
			return err
		}
		return ctx.JSON(HeartbeatResponse(rec))
	}
}

// PostVerifyRoom answers 403 when the user is not a participant of the room.
func PostVerifyRoom(svc *service.Service) func(*fiber.Ctx) error {
	return func(ctx *fiber.Ctx) error {
		req, err := parseBody[RoomRequest](ctx)
		if err != nil {
			return err
		}
		m, err := svc.VerifyRoomAccess(ctx.UserContext(), req.UserID, req.RoomName)
		if err != nil {
			return err
		}
		return ctx.JSON(VerifyRoomResponse{Allowed: true, Match: m})
	}
}
