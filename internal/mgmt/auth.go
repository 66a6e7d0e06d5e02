package mgmt

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Role defines the access level for an API key.
type Role string

const (
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // "api-key" or "none"
	APIKey string // operator key, from MGMT_API_KEY
	// ReadOnlyKeys may read state but not submit commands.
	ReadOnlyKeys []string
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware validates bearer API keys and stores the caller's role.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" {
			c.Locals("role", RoleOperator)
			return c.Next()
		}
		if isProbe(c.Path()) {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized", "Authorization header is required")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized", "Authorization header must use Bearer scheme")
		}

		if role, ok := cfg.roleFor(token); ok {
			c.Locals("role", role)
			return c.Next()
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized", "Invalid API key")
	}
}

func (cfg AuthConfig) roleFor(token string) (Role, bool) {
	if token == "" {
		return "", false
	}
	if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
		return RoleOperator, true
	}
	for _, k := range cfg.ReadOnlyKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			return RoleReadOnly, true
		}
	}
	return "", false
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden", "Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
