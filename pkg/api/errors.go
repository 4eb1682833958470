package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/gridserve/gridserve/pkg/types"
)

// writeError translates an error into the HTTP error envelope. Typed
// fleet errors carry their own status; anything else is an internal
// error with the original message withheld from the caller.
func writeError(c *fiber.Ctx, err error) error {
	var fe *types.FleetError
	if !errors.As(err, &fe) {
		fe = types.NewFleetErrorWithCause(types.ErrCodeInternal, "internal error", err)
	}
	return c.Status(fe.HTTPStatus()).JSON(fiber.Map{"error": fe})
}

// badRequest reports a malformed or incomplete request body.
func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "BAD_REQUEST",
			"message": message,
		},
	})
}
