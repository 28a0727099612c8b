package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets browser hardening headers. Responses carry patient
// data, so nothing may be cached by intermediaries.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'self'; " +
		"img-src 'self' data:; " +
		"connect-src 'self'" + buildConnectSrc(cfg.AllowedOrigins) + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		c.Set("Pragma", "no-cache")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Set("Content-Security-Policy", csp)

		return c.Next()
	}
}

func buildConnectSrc(origins []string) string {
	var b strings.Builder
	for _, origin := range origins {
		if origin == "" || origin == "*" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(origin)
	}
	return b.String()
}
