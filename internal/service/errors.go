package service

import "errors"

var (
	ErrMissingDocument  = errors.New("both documents are required")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrChangeNotFound   = errors.New("change not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
