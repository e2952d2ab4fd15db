package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"ragcore/internal/errs"
)

// ErrorHandler renders every failure as {error:{kind,message,retry_after?}},
// never leaking upstream provider names, stack traces, or guard pattern
// details.
func ErrorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := errs.As(err); ok {
			body := fiber.Map{"kind": e.Kind, "message": userMessage(e)}
			if e.RetryAfter > 0 {
				body["retry_after"] = e.RetryAfter
			}
			return c.Status(errs.Status(e.Kind)).JSON(fiber.Map{"error": body})
		}

		if fe, ok := err.(*fiber.Error); ok {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fiber.Map{"kind": errs.InputInvalid, "message": fe.Message},
			})
		}

		log.Error("api: unhandled error", "error", err)
		return c.Status(500).JSON(fiber.Map{
			"error": fiber.Map{"kind": errs.Internal, "message": "internal error"},
		})
	}
}

// userMessage strips any upstream or guard detail from kinds whose
// Message might otherwise carry it, returning a generic refusal body for
// GuardRejected and upstream failures instead.
func userMessage(e *errs.Error) string {
	switch e.Kind {
	case errs.GuardRejected:
		return "I can't help with that request."
	case errs.UpstreamUnavailable:
		return "The service is temporarily degraded. Please try again shortly."
	case errs.UpstreamTransient, errs.UpstreamPolicyRejection:
		return "The request could not be completed. Please try again."
	case errs.StageTimeout:
		return "The request took too long to complete."
	default:
		return e.Message
	}
}
