package middleware

import (
	"strings"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	apperrors "groupcall/pkg/errors"
	rlog "groupcall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's identity on the context.
func AuthMiddleware(identity ports.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		id, err := identity.Authenticate(c.Request.Context(), token)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(identityKey, *id)
		c.Request = c.Request.WithContext(rlog.WithValue(c.Request.Context(), rlog.UserIDKey, string(id.UserID)))
		c.Next()
	}
}

// IdentityFrom returns the identity AuthMiddleware stored.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
