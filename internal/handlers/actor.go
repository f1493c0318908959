package handlers

import (
	"errors"
	"strconv"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/middleware"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/gofiber/fiber/v2"
)

var errMissingActor = errors.New("missing authenticated actor")

// actorFromLocals returns the caller identity set by AuthRequired or
// WebSocketAuth.
func actorFromLocals(c *fiber.Ctx) (models.Actor, error) {
	actor, ok := c.Locals(middleware.ActorKey).(models.Actor)
	if !ok || actor.UserID <= 0 {
		return models.Actor{}, errMissingActor
	}
	return actor, nil
}

func parseIDParam(c *fiber.Ctx, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
