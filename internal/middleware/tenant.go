// Package middleware holds the Fiber middleware the Query Endpoint Layer
// composes ahead of every handler: tenant resolution and rate limiting.
package middleware

import (
	"github.com/gofiber/fiber/v2"
)

const tenantHeader = "X-Tenant-ID"
const tenantLocalsKey = "tenant_id"
const verifiedLocalsKey = "tenant_verified"

// ResolveTenant reads the tenant id asserted by an upstream identity proxy
// via X-Tenant-ID and stores it in c.Locals, marked verified. Deployments
// without a real identity layer in front of this service will never see
// this header set, and handlers fall back to the caller-supplied body
// field only when AllowAnonymousTenant permits it.
func ResolveTenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if h := c.Get(tenantHeader); h != "" {
			c.Locals(tenantLocalsKey, h)
			c.Locals(verifiedLocalsKey, true)
		}
		return c.Next()
	}
}

// TenantFromContext returns the verified tenant id, if any.
func TenantFromContext(c *fiber.Ctx) (string, bool) {
	if verified, _ := c.Locals(verifiedLocalsKey).(bool); !verified {
		return "", false
	}
	v, ok := c.Locals(tenantLocalsKey).(string)
	return v, ok
}
