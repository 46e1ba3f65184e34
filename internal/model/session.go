package model

import "time"

// SessionEvent names the mutation a published snapshot reflects
type SessionEvent string

const (
	EventCreated  SessionEvent = "created"
	EventProgress SessionEvent = "progress"
	EventFailed   SessionEvent = "failed"
	EventComplete SessionEvent = "complete"
	EventSelected SessionEvent = "selected"
	EventClosed   SessionEvent = "closed"
)

// SessionSnapshot is the externally visible state of a comparison session
type SessionSnapshot struct {
	SessionID string            `json:"sessionId"`
	JobID     string            `json:"jobId,omitempty"`
	State     JobState          `json:"state"`
	Params    *CompareParams    `json:"params,omitempty"`
	Progress  []ProgressEvent   `json:"progress"`
	Error     *string           `json:"error,omitempty"`
	Result    *ResultDescriptor `json:"result,omitempty"`
	Changes   []ChangeRecord    `json:"changes"`
	Selected  *ChangeRecord     `json:"selected,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CreateSessionResponse is returned when a session is opened
type CreateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompareForm carries the non-file fields of a comparison upload
type CompareForm struct {
	TextThreshold  float64 `validate:"gte=0,lte=1"`
	ImageThreshold int     `validate:"gte=0,lte=64"`
}

// ChangesResponse is returned by the change feed endpoint
type ChangesResponse struct {
	SessionID string         `json:"sessionId"`
	JobID     string         `json:"jobId,omitempty"`
	Changes   []ChangeRecord `json:"changes"`
	Total     int            `json:"total"`
}
