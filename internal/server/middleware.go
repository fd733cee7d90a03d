package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fieldtrack/internal/authorization"
	obscontext "github.com/smallbiznis/fieldtrack/internal/observability/context"
)

// Identity headers are set by the authentication gateway in front of the
// service and trusted as-is.
const (
	HeaderEntityID   = "X-Entity-ID"
	HeaderEntityRole = "X-Entity-Role"

	contextEntityIDKey   = "entity_id"
	contextEntityRoleKey = "entity_role"
)

// EntityRequired rejects requests without an entity identity and stores the
// caller's id and role on the gin and request contexts.
func (s *Server) EntityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := strings.TrimSpace(c.GetHeader(HeaderEntityID))
		if entityID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderEntityRole)))
		if role == "" {
			role = authorization.RoleTechnician
		}

		c.Set(contextEntityIDKey, entityID)
		c.Set(contextEntityRoleKey, role)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), role, entityID))
		c.Next()
	}
}

func entityFromContext(c *gin.Context) (string, string) {
	return c.GetString(contextEntityIDKey), c.GetString(contextEntityRoleKey)
}
