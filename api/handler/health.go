package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Browser reports the state of the browser host.
type Browser interface {
	OpenTabs() int
	Uptime() time.Duration
}

// Health returns a handler for GET /api/v1/health.
//
// Status degrades when the progress store does not answer, since no
// session can make progress without it.
func Health(s Sessions, b Browser) gin.HandlerFunc {
	return func(c *gin.Context) {
		storeOnline := s.Ping(c.Request.Context()) == nil

		status := "healthy"
		if !storeOnline {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:      status,
			Uptime:      b.Uptime().Round(time.Second).String(),
			OpenTabs:    b.OpenTabs(),
			StoreOnline: storeOnline,
			Version:     Version,
		})
	}
}
