package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a comparison job as reported by the engine.
// StateIdle is local only: a session without an active job.
type JobState string

const (
	StateIdle    JobState = "idle"
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateError   JobState = "error"
)

// IsTerminal reports whether no further transitions can occur.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// Known reports whether s is a state the engine is allowed to report.
func (s JobState) Known() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateError:
		return true
	}
	return false
}

// StepStatus is the status of a single pipeline step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// ProgressEvent is one entry of the engine's progress log
type ProgressEvent struct {
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message"`
	TS      string     `json:"ts"`
}

// CompareParams are the tuning parameters sent with a comparison request
type CompareParams struct {
	TextThreshold  float64 `json:"textThreshold"`
	ImageThreshold int     `json:"imageThreshold"`
}

// DefaultCompareParams mirrors the engine defaults
func DefaultCompareParams() CompareParams {
	return CompareParams{TextThreshold: 0.8, ImageThreshold: 5}
}

// CompareResponse is returned by POST /compare
type CompareResponse struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
}

// StatusResponse is returned by GET /status/{job_id}
type StatusResponse struct {
	JobID    string          `json:"job_id"`
	State    JobState        `json:"state"`
	Progress []ProgressEvent `json:"progress"`
	Error    *string         `json:"error,omitempty"`
}

// FileMeta describes one of the two input documents
type FileMeta struct {
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	Pages       *int   `json:"pages"`
	DownloadURL string `json:"download_url"`
}

// InputFiles holds metadata for both input documents
type InputFiles struct {
	FileA FileMeta `json:"file_a"`
	FileB FileMeta `json:"file_b"`
}

// Outputs holds the locations of every artifact produced by the engine
type Outputs struct {
	AnnotatedAPDF  string `json:"annotated_a_pdf"`
	AnnotatedBPDF  string `json:"annotated_b_pdf"`
	ExtractedAJSON string `json:"extracted_a_json"`
	ExtractedBJSON string `json:"extracted_b_json"`
	MatchedJSON    string `json:"matched_json"`
	DiffJSON       string `json:"diff_json"`
	SummaryMD      string `json:"summary_md"`
	DetailedJSON   string `json:"detailed_json"`
}

// Each calls fn with the wire name and a pointer to every artifact location.
func (o *Outputs) Each(fn func(name string, loc *string)) {
	fn("annotated_a_pdf", &o.AnnotatedAPDF)
	fn("annotated_b_pdf", &o.AnnotatedBPDF)
	fn("extracted_a_json", &o.ExtractedAJSON)
	fn("extracted_b_json", &o.ExtractedBJSON)
	fn("matched_json", &o.MatchedJSON)
	fn("diff_json", &o.DiffJSON)
	fn("summary_md", &o.SummaryMD)
	fn("detailed_json", &o.DetailedJSON)
}

// ResultDescriptor is returned by GET /result/{job_id} once the job is done
type ResultDescriptor struct {
	JobID      string          `json:"job_id"`
	State      JobState        `json:"state"`
	Files      InputFiles      `json:"files"`
	Outputs    Outputs         `json:"outputs"`
	DiffCounts json.RawMessage `json:"diff_counts,omitempty"`
}

// JobHandle identifies a freshly submitted job
type JobHandle struct {
	JobID       string    `json:"jobId"`
	State       JobState  `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
}
