package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RoleSurgeon   = "surgeon"
	RoleClinician = "clinician"
	RoleScheduler = "scheduler"
	RolePatient   = "patient"
)

// rolePrecedence orders roles from most to least privileged. An actor
// holding several roles acts under the first one found here.
var rolePrecedence = []string{RoleAdmin, RoleSurgeon, RoleClinician, RoleScheduler, RolePatient}

// Actor is the identity a governance operation is recorded against.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// PrimaryRole picks the most privileged known role, or the first role
// when none are known.
func PrimaryRole(roles []string) string {
	for _, want := range rolePrecedence {
		for _, has := range roles {
			if has == want {
				return want
			}
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

// ActorFromContext returns the caller as an Actor.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{ID: UserIDFromContext(ctx), Role: PrimaryRole(RolesFromContext(ctx))}
}

// HasRole reports whether the context holds any of the given roles.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
