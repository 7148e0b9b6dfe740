package models

// StartRequest is the payload for POST /api/v1/session/start.
type StartRequest struct {
	// ListURL is the list view to walk. Falls back to HARVEST_LIST_URL.
	ListURL string `json:"list_url,omitempty" binding:"omitempty,url"`
}

// SessionResponse is returned by the start and stop commands.
type SessionResponse struct {
	Success   bool         `json:"success"`
	SessionID string       `json:"session_id,omitempty"`
	Running   bool         `json:"running"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// StatusResponse is the read-only progress view for GET /api/v1/session.
type StatusResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Running   bool   `json:"running"`
	Phase     string `json:"phase"`
	Progress  Cursor `json:"progress"`
	Records   int    `json:"records"`
	Failures  int    `json:"failures"`
	Workers   int    `json:"workers_in_flight"`
	StartedAt int64  `json:"started_at,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// LogEntry is one line of the operator-facing activity log.
type LogEntry struct {
	Time    int64  `json:"time"` // unix millis
	Level   string `json:"level"`
	Message string `json:"message"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"` // "healthy" or "degraded"
	Uptime      string `json:"uptime"`
	OpenTabs    int    `json:"open_tabs"`
	StoreOnline bool   `json:"store_online"`
	Version     string `json:"version"`
}
