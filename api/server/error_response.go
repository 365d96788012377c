package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

// handleErrorResponse maps an error onto the uniform JSON error body. Errors
// carrying an API status code use it; everything else is a 500 with the
// detail kept in the log rather than the response.
func handleErrorResponse(c *gin.Context, err error) {
	ctx := c.Request.Context()
	log := common.Logger(ctx)

	var apiErr models.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code() >= 500 {
			log.WithError(err).Error("api error")
		} else {
			log.WithError(err).Debug("api error")
		}
		c.JSON(apiErr.Code(), models.Error{Message: apiErr.Error()})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("request timed out")
		c.JSON(http.StatusGatewayTimeout, models.Error{Message: "request timed out"})
		return
	}

	log.WithError(err).Error("internal server error")
	c.JSON(http.StatusInternalServerError, models.Error{Message: "internal server error"})
}
