package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/model"
)

const testBaseURL = "http://engine.test"

var errArtifactMissing = errors.New("artifact not found")

// fakeEngine is an in-memory client.JobService
type fakeEngine struct {
	mu sync.Mutex

	compareErr    error
	compareCalls  int
	lastParams    model.CompareParams
	lastDocuments [2]string

	// statusFn answers GetStatus; call counts from 1 per job
	statusFn    func(call int, jobID string) (*model.StatusResponse, error)
	statusCalls map[string]int

	results     map[string]*model.ResultDescriptor
	resultCalls map[string]int

	artifacts     map[string][]byte
	artifactCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		statusCalls: make(map[string]int),
		results:     make(map[string]*model.ResultDescriptor),
		resultCalls: make(map[string]int),
		artifacts:   make(map[string][]byte),
	}
}

func (f *fakeEngine) Compare(_ context.Context, req *client.CompareRequest) (*model.CompareResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compareCalls++
	if f.compareErr != nil {
		return nil, f.compareErr
	}
	a, _ := io.ReadAll(req.FileA.Body)
	b, _ := io.ReadAll(req.FileB.Body)
	f.lastDocuments = [2]string{string(a), string(b)}
	f.lastParams = req.Params
	return &model.CompareResponse{JobID: fmt.Sprintf("job-%d", f.compareCalls), State: model.StateQueued}, nil
}

func (f *fakeEngine) GetStatus(_ context.Context, jobID string) (*model.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls[jobID]++
	call := f.statusCalls[jobID]
	fn := f.statusFn
	f.mu.Unlock()

	if fn == nil {
		return &model.StatusResponse{JobID: jobID, State: model.StateQueued}, nil
	}
	return fn(call, jobID)
}

func (f *fakeEngine) GetResult(_ context.Context, jobID string) (*model.ResultDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls[jobID]++
	desc, ok := f.results[jobID]
	if !ok {
		return nil, &client.APIError{Method: "GET", URL: "/result/" + jobID, StatusCode: 404}
	}
	cp := *desc
	return &cp, nil
}

func (f *fakeEngine) FetchArtifact(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifactCalls++
	data, ok := f.artifacts[location]
	if !ok {
		return nil, fmt.Errorf("%s: %w", location, errArtifactMissing)
	}
	return data, nil
}

func (f *fakeEngine) statusCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[jobID]
}

func (f *fakeEngine) resultCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resultCalls[jobID]
}

func (f *fakeEngine) totalResultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.resultCalls {
		n += c
	}
	return n
}

// addFinishedJob registers a result with relative locations and the two
// artifacts the change feed is built from.
func (f *fakeEngine) addFinishedJob(jobID, matched, diff string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := "/files/" + jobID + "/"
	f.results[jobID] = &model.ResultDescriptor{
		JobID: jobID,
		State: model.StateDone,
		Files: model.InputFiles{
			FileA: model.FileMeta{Name: "a.pdf", DownloadURL: base + "a.pdf"},
			FileB: model.FileMeta{Name: "b.pdf", DownloadURL: base + "b.pdf"},
		},
		Outputs: model.Outputs{
			AnnotatedAPDF:  base + "annotated_a.pdf",
			AnnotatedBPDF:  base + "annotated_b.pdf",
			ExtractedAJSON: base + "extracted_a.json",
			ExtractedBJSON: base + "extracted_b.json",
			MatchedJSON:    base + "matched.json",
			DiffJSON:       base + "diff.json",
			SummaryMD:      base + "summary.md",
			DetailedJSON:   base + "detailed.json",
		},
	}
	f.artifacts[testBaseURL+base+"matched.json"] = []byte(matched)
	f.artifacts[testBaseURL+base+"diff.json"] = []byte(diff)
}

// snapshotRecorder collects every published snapshot in order
type snapshotRecorder struct {
	mu     sync.Mutex
	events []model.SessionEvent
	snaps  []model.SessionSnapshot
}

func (r *snapshotRecorder) observe(event model.SessionEvent, snap model.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) Publish(event model.SessionEvent, snap model.SessionSnapshot) {
	r.observe(event, snap)
}

// withEvent returns the snapshots published for event
func (r *snapshotRecorder) withEvent(event model.SessionEvent) []model.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionSnapshot
	for i, e := range r.events {
		if e == event {
			out = append(out, r.snaps[i])
		}
	}
	return out
}

func (r *snapshotRecorder) all() []model.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SessionSnapshot{}, r.snaps...)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func newTestSession(t *testing.T, engine *fakeEngine, interval time.Duration) (*Session, *snapshotRecorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &snapshotRecorder{}
	resolver := NewResolver(engine, testBaseURL)
	aggregator := NewAggregator(engine, DefaultLabelMax)
	sess := newSession(ctx, "sess-1", engine, resolver, aggregator, interval, rec.observe)
	t.Cleanup(sess.Close)
	return sess, rec
}

func pdfDoc(name, body string) *client.Document {
	return &client.Document{Name: name, ContentType: "application/pdf", Body: strings.NewReader(body)}
}

func statusOf(jobID string, state model.JobState, progress ...model.ProgressEvent) *model.StatusResponse {
	return &model.StatusResponse{JobID: jobID, State: state, Progress: progress}
}

func intPtr(v int) *int {
	return &v
}

const emptyMatched = `{"paragraphs": [[], [], []], "images": [[], [], []], "tables": [[], [], []]}`

const emptyDiff = `{"paragraphs": [], "images": [], "tables": []}`
