package middleware

import (
	"ragcore/internal/errs"
	"ragcore/internal/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimit enforces the tenant and per-IP token buckets ahead of the
// handler. The tenant key used here is whatever
// has been resolved by the time this middleware runs (by ResolveTenant,
// or "anonymous" pending the handler's own fallback) — a coarser key than
// the handler's final tenant resolution, but rate limiting a not-yet-known
// anonymous caller under one shared bucket is an acceptable approximation
// since per-body tenant ids aren't parsed until the handler binds them.
func RateLimit(reg *ratelimit.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID, ok := TenantFromContext(c)
		if !ok {
			tenantID = "anonymous"
		}
		allowed, retryAfter := reg.Check(tenantID, c.IP())
		if !allowed {
			e := errs.RateLimit(retryAfter)
			return c.Status(errs.Status(e.Kind)).JSON(fiber.Map{
				"error": fiber.Map{"kind": e.Kind, "message": e.Message, "retry_after": e.RetryAfter},
			})
		}
		return c.Next()
	}
}
