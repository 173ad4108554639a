package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/genledger/internal/observability/context"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderAdminActor    = "X-Admin-Actor"
)

// AdminRequired checks the bearer token against ADMIN_TOKEN. Without a
// configured token the admin surface is open outside production and closed
// in production.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrUnauthorized)
				return
			}
		} else {
			token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader(HeaderAuthorization), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				AbortWithError(c, ErrUnauthorized)
				return
			}
		}

		actor := strings.TrimSpace(c.GetHeader(HeaderAdminActor))
		if actor == "" {
			actor = "admin"
		}
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "operator", actor))
		c.Next()
	}
}
