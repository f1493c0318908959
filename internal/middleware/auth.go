package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// ActorKey holds the authenticated models.Actor in fiber Locals.
const ActorKey = "actor"

var ErrUnknownRole = errors.New("unknown role")

// ActorFromClaims turns validated token claims into the caller identity.
// Only patients and doctors may use the messaging API.
func ActorFromClaims(claims *utils.Claims) (models.Actor, error) {
	userID, err := claims.UserIDInt()
	if err != nil {
		return models.Actor{}, err
	}
	switch claims.Role {
	case models.RolePatient, models.RoleDoctor:
	default:
		return models.Actor{}, fmt.Errorf("%w %q", ErrUnknownRole, claims.Role)
	}
	return models.Actor{UserID: userID, Role: claims.Role}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.Split(strings.TrimSpace(c.Get("Authorization")), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		tokenString, ok := BearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		actor, err := ActorFromClaims(claims)
		if errors.Is(err, ErrUnknownRole) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
		}
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
		}

		c.Locals(ActorKey, actor)
		return c.Next()
	}
}
