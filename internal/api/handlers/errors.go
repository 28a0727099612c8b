package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/pkg/logger"
)

// respondError writes err as a JSON error body with the status its class maps to.
// Server-side failures are logged and their details withheld.
func respondError(c *fiber.Ctx, err error) error {
	status := common.HTTPStatus(err)
	message := common.Message(err)

	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == fiber.StatusInternalServerError {
			message = "Internal server error"
		}
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
