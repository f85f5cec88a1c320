package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// AuthMiddleware resolves the bearer token into an Identity stored on the
// gin context.
func (s *Service) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Set(identityKey, Anonymous())
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "missing authorization header", nil))
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		identity, err := s.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, err.Error(), nil))
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the caller holds required.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := IdentityFromContext(c)
		if identity == nil || !identity.Has(required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "insufficient permissions",
					map[string]interface{}{"required": string(required)}))
			return
		}
		c.Next()
	}
}

func IdentityFromContext(c *gin.Context) *Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*Identity)
	return identity
}
