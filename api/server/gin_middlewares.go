package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

// loggerWrap attaches a request id and a request-scoped logger to the gin
// context so handlers and everything below them log with the same fields.
func loggerWrap(c *gin.Context) {
	ctx := common.WithRequestID(c.Request.Context(), uuid.NewString())
	ctx, _ = common.LoggerWithFields(ctx, logrus.Fields{
		"request_id": common.RequestIDFromContext(ctx),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	})
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func panicWrap(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			common.Logger(c.Request.Context()).WithField("panic", rec).Error("recovered panic in handler")
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				models.Error{Message: "internal server error"})
		}
	}()
	c.Next()
}

// adminWrap gates the admin surface behind a shared key. With no key
// configured the surface is open; main logs a loud warning for that at
// startup.
func (s *Server) adminWrap(c *gin.Context) {
	if s.cfg.AdminKey == "" {
		c.Next()
		return
	}
	key := c.GetHeader("X-Admin-Key")
	switch {
	case key == "":
		handleErrorResponse(c, models.ErrMissingAdminKey)
	case key != s.cfg.AdminKey:
		handleErrorResponse(c, models.ErrInvalidAdminKey)
	default:
		c.Next()
		return
	}
	c.Abort()
}
