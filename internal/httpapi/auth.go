package httpapi

import (
	"github.com/labstack/echo/v4"

	"horse.fit/tape/internal/auth"
)

const triggerTokenHeader = "X-Tape-Token"

// requireTriggerToken guards mutating endpoints. A missing or wrong token is
// rejected before the handler runs, so unauthorized calls have no side
// effects. A server with no configured secret rejects every trigger.
func (s *Server) requireTriggerToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		presented := c.Request().Header.Get(triggerTokenHeader)
		if !auth.VerifyTriggerSecret(presented, s.triggerSecret) {
			return failUnauthorized(c)
		}
		return next(c)
	}
}
