package model

// ChangeKind classifies a change record
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeModified ChangeKind = "modified"
)

// ChangeRecord is one navigable entry of the change feed.
// ID is unique within a single aggregation pass only.
type ChangeRecord struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	Page  *int        `json:"page,omitempty"`
	BBox  BoundingBox `json:"bbox,omitempty"`
	Kind  ChangeKind  `json:"type"`
}
