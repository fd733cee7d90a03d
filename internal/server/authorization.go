package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fieldtrack/internal/authorization"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeWithContext(c *gin.Context, object string, action string) error {
	entityID, role := entityFromContext(c)
	if entityID == "" {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}

	err := s.authzSvc.Authorize(c.Request.Context(), role, strings.TrimSpace(object), strings.TrimSpace(action))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrInvalidActor):
		return ErrUnauthorized
	case errors.Is(err, authorization.ErrForbidden):
		return ErrForbidden
	default:
		return err
	}
}
