package models

import "time"

// Cursor points at the next unit of work: Row is the index of the next
// unprocessed row on list page Page.
type Cursor struct {
	Page int `json:"page"`
	Row  int `json:"row"`
}

// State is the persisted orchestration state. Records, Progress and Running
// are the three fields every reload reads back; the rest is session metadata.
type State struct {
	Records  []Record `json:"records"`
	Progress Cursor   `json:"progress"`
	Running  bool     `json:"running"`

	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`     // list view URL
	StartedAt int64  `json:"started_at,omitempty"` // unix timestamp
	UpdatedAt int64  `json:"updated_at,omitempty"` // unix timestamp
	LastError string `json:"last_error,omitempty"`
}

// DefaultState is what Load returns when nothing has been persisted yet.
func DefaultState() State {
	return State{Records: []Record{}}
}

// NewSessionState is the state written by an explicit session start.
func NewSessionState(sessionID, source string) State {
	now := time.Now().Unix()
	return State{
		Records:   []Record{},
		Running:   true,
		SessionID: sessionID,
		Source:    source,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Clone copies the record slice so the copy can be persisted or handed to
// readers while the owner keeps appending.
func (s State) Clone() State {
	c := s
	c.Records = make([]Record, len(s.Records))
	copy(c.Records, s.Records)
	return c
}

// Failures counts the error records collected so far.
func (s State) Failures() int {
	n := 0
	for _, r := range s.Records {
		if r.Failed() {
			n++
		}
	}
	return n
}
