package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/harvest/models"
)

// ExportFilename is the name offered for the records download.
const ExportFilename = "scraped-data.json"

// Sessions is the session control surface the handlers drive.
type Sessions interface {
	Start(ctx context.Context, listURL string) (string, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (models.StatusResponse, error)
	Export(ctx context.Context) ([]models.Record, error)
	Activity() []models.LogEntry
	Ping(ctx context.Context) error
}

// StartSession returns a handler for POST /api/v1/session/start.
//
// The body is optional; without list_url the configured list view is used.
func StartSession(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, models.NewHarvestError(models.ErrCodeInvalidInput, err.Error(), err))
			return
		}

		sessionID, err := s.Start(c.Request.Context(), req.ListURL)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, models.SessionResponse{
			Success:   true,
			SessionID: sessionID,
			Running:   true,
		})
	}
}

// StopSession returns a handler for POST /api/v1/session/stop.
func StopSession(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Stop(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		status, err := s.Status(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SessionResponse{
			Success:   true,
			SessionID: status.SessionID,
			Running:   status.Running,
		})
	}
}

// GetSession returns a handler for GET /api/v1/session.
func GetSession(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := s.Status(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// GetRecords returns a handler for GET /api/v1/session/records, offering
// the collected records as a JSON file download.
func GetRecords(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.Export(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		if records == nil {
			records = []models.Record{}
		}
		c.Header("Content-Disposition", `attachment; filename="`+ExportFilename+`"`)
		c.IndentedJSON(http.StatusOK, records)
	}
}

// GetLog returns a handler for GET /api/v1/session/log.
func GetLog(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := s.Activity()
		if entries == nil {
			entries = []models.LogEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// respondError writes a structured error response.
func respondError(c *gin.Context, err error) {
	var he *models.HarvestError
	if !errors.As(err, &he) {
		he = models.NewHarvestError(models.ErrCodeInternal, err.Error(), err)
	}
	c.JSON(mapErrorToStatus(he), models.SessionResponse{
		Success: false,
		Error:   he.ToDetail(),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.HarvestError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeDispatch:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeSessionActive:
		return http.StatusConflict // 409
	case models.ErrCodeStoreUnavailable, models.ErrCodeBrowserCrash:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
