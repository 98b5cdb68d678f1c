package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dmp/dmp/internal/platform/apperr"
)

// RequireRole lets the request through when the caller holds one of roles.
// Admins pass every check.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	denied := apperr.Unauthorized("role_insuffisant", "required role: "+strings.Join(names, " or "))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return errMissingHeader
			}
			if p.Role == RoleAdmin {
				return next(c)
			}
			for _, r := range roles {
				if p.Role == r {
					return next(c)
				}
			}
			return denied
		}
	}
}
