package middleware

import (
	"net/http"

	apperrors "groupcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Domain errors map to their codes; anything else is a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := apperrors.FromDomain(err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWith(c, apperrors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
