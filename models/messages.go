package models

// Payloads carried on the cross-context message bus, one per message kind.

// PersistStateBody asks the coordinator layer to save the session state.
type PersistStateBody struct {
	State State `json:"state"`
}

// StartSessionBody resets the list driver and starts a new session.
type StartSessionBody struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
}

// OpenWorkerBody asks for an isolated detail context at URL.
type OpenWorkerBody struct {
	URL string `json:"url"`
}

// OpenWorkerReply identifies the context opened for an OpenWorkerBody.
type OpenWorkerReply struct {
	WorkerID  string `json:"worker_id"`
	TargetURL string `json:"target_url"`
}

// WorkerCompletedBody is reported by a detail context after extraction.
type WorkerCompletedBody struct {
	Record Record `json:"record"`
}

// RelayBody hands a worker's record back to the context that dispatched it.
type RelayBody struct {
	WorkerID string `json:"worker_id"`
	URL      string `json:"url"`
	Record   Record `json:"record"`
}

// ShipLogBody carries session metadata for the outbound report. The
// collected records are attached by the coordinator layer from the store.
type ShipLogBody struct {
	Info map[string]any `json:"info"`
}
