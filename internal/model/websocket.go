package model

// WebSocket message types
const (
	WSMessageTypeSnapshot = "snapshot"
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSSnapshotMessage carries a full session snapshot
type WSSnapshotMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Snapshot  SessionSnapshot `json:"snapshot"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	JobID     string          `json:"jobId"`
	State     JobState        `json:"state"`
	Progress  []ProgressEvent `json:"progress"`
}

// WSCompleteMessage represents job completion with its change feed
type WSCompleteMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	JobID     string            `json:"jobId"`
	Result    *ResultDescriptor `json:"result,omitempty"`
	Changes   []ChangeRecord    `json:"changes"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	JobID     string  `json:"jobId"`
	Error     WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
