package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/service"
)

// AuthMiddleware runs the local format check and then the authoritative
// check. A format failure never reaches the session authority.
func AuthMiddleware(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		// Check if the Authorization header is present and in correct format
		if !strings.HasPrefix(auth, "Bearer ") {
			abortWithStatus(c, http.StatusUnauthorized, core.ErrTokenEmpty)
			return
		}
		token := strings.TrimSpace(auth[len("Bearer "):])

		if err := sessions.ValidateFormat(token); err != nil {
			abortWithStatus(c, http.StatusUnauthorized, err)
			return
		}

		session, user, err := sessions.Restore(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(ctxSession, session)
		c.Set(ctxUser, user)

		c.Next()
	}
}

// RequestLogger emits one structured record per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
			logger.Error("request failed", attrs...)
			return
		}
		logger.Info("request", attrs...)
	}
}
