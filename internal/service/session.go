package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/model"
)

// DefaultPollInterval is the status polling cadence
const DefaultPollInterval = 1500 * time.Millisecond

// Observer receives every snapshot a session publishes, in publication order,
// with the event that produced it. It must not call back into the session.
type Observer func(event model.SessionEvent, snap model.SessionSnapshot)

// Session owns at most one active comparison job and the state derived from it.
//
// A new submission supersedes the running poll task before any fresh state is
// written, and Close tears the session down. Every write made on behalf of a
// poll task first checks that the task is still the live one.
type Session struct {
	id         string
	jobs       client.JobService
	resolver   *Resolver
	aggregator *Aggregator
	interval   time.Duration
	observe    Observer
	baseCtx    context.Context

	// pubMu orders snapshot publication; acquired before mu
	pubMu sync.Mutex

	mu     sync.Mutex
	task   *pollTask
	state  sessionState
	closed bool
}

type sessionState struct {
	jobID     string
	jobState  model.JobState
	params    *model.CompareParams
	progress  []model.ProgressEvent
	errMsg    *string
	result    *model.ResultDescriptor
	changes   []model.ChangeRecord
	selected  *model.ChangeRecord
	updatedAt time.Time
}

// pollTask is the cancellable repeating task polling one job
type pollTask struct {
	jobID  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Session.mu
	resultClaimed bool
}

func newSession(baseCtx context.Context, id string, jobs client.JobService, resolver *Resolver, aggregator *Aggregator, interval time.Duration, observe Observer) *Session {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if observe == nil {
		observe = func(model.SessionEvent, model.SessionSnapshot) {}
	}
	return &Session{
		id:         id,
		jobs:       jobs,
		resolver:   resolver,
		aggregator: aggregator,
		interval:   interval,
		observe:    observe,
		baseCtx:    baseCtx,
		state:      idleState(),
	}
}

func idleState() sessionState {
	return sessionState{
		jobState:  model.StateIdle,
		progress:  []model.ProgressEvent{},
		changes:   []model.ChangeRecord{},
		updatedAt: time.Now(),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Submit uploads both documents and makes the new job the active one.
// Nothing is mutated when the upload fails.
func (s *Session) Submit(ctx context.Context, docA, docB *client.Document, params model.CompareParams) (*model.JobHandle, error) {
	if docA == nil || docB == nil || docA.Body == nil || docB.Body == nil {
		return nil, ErrMissingDocument
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	resp, err := s.jobs.Compare(ctx, &client.CompareRequest{FileA: docA, FileB: docB, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to submit comparison: %w", err)
	}

	task := s.newTask(resp.JobID)
	handle := &model.JobHandle{JobID: resp.JobID, State: model.StateQueued, SubmittedAt: time.Now()}

	started := s.publish(model.EventProgress, func() bool {
		if s.closed {
			return false
		}
		s.stopTaskLocked()
		p := params
		s.state = idleState()
		s.state.jobID = resp.JobID
		s.state.jobState = model.StateQueued
		s.state.params = &p
		s.task = task
		return true
	})
	if !started {
		task.cancel()
		return nil, ErrSessionClosed
	}

	log.Info().Str("session_id", s.id).Str("job_id", resp.JobID).
		Float64("text_threshold", params.TextThreshold).Int("image_threshold", params.ImageThreshold).
		Msg("comparison submitted")

	go s.run(task)
	return handle, nil
}

// Close stops polling, discards any in-flight work and clears the session state.
func (s *Session) Close() {
	s.publish(model.EventClosed, func() bool {
		if s.closed {
			return false
		}
		s.stopTaskLocked()
		s.closed = true
		s.state = idleState()
		return true
	})
	log.Debug().Str("session_id", s.id).Msg("session closed")
}

// Snapshot returns a copy of the current session state
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Select records a change as the navigation target. Jumping to the page
// region is left to the presentation layer.
func (s *Session) Select(changeID string) (*model.ChangeRecord, error) {
	var selected *model.ChangeRecord
	s.publish(model.EventSelected, func() bool {
		for i := range s.state.changes {
			if s.state.changes[i].ID == changeID {
				c := s.state.changes[i]
				s.state.selected = &c
				selected = &c
				return true
			}
		}
		return false
	})
	if selected == nil {
		return nil, ErrChangeNotFound
	}

	ev := log.Info().Str("session_id", s.id).Str("change_id", changeID)
	if selected.Page != nil {
		ev = ev.Int("page", *selected.Page)
	}
	ev.Floats64("bbox", selected.BBox).Msg("jump to change")
	return selected, nil
}

func (s *Session) newTask(jobID string) *pollTask {
	ctx, cancel := context.WithCancel(s.baseCtx)
	return &pollTask{
		jobID:  jobID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// run polls immediately and then on every tick until a terminal state or cancellation.
func (s *Session) run(task *pollTask) {
	defer close(task.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if s.pollOnce(task) {
			return
		}
		select {
		case <-task.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs one status query and reports whether polling should stop.
func (s *Session) pollOnce(task *pollTask) bool {
	status, err := s.jobs.GetStatus(task.ctx, task.jobID)
	if !s.stillValid(task) {
		return true
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.id).Str("job_id", task.jobID).Msg("status poll failed")
		return false
	}
	if status.JobID != "" && status.JobID != task.jobID {
		log.Warn().Str("session_id", s.id).Str("job_id", task.jobID).Str("response_job_id", status.JobID).
			Msg("discarding status for another job")
		return false
	}
	if !status.State.Known() {
		log.Warn().Str("session_id", s.id).Str("job_id", task.jobID).Str("state", string(status.State)).
			Msg("ignoring unknown job state")
		return false
	}

	progress := append([]model.ProgressEvent{}, status.Progress...)

	switch status.State {
	case model.StateQueued, model.StateRunning:
		s.apply(task, model.EventProgress, func(st *sessionState) {
			st.jobState = status.State
			st.progress = progress
		})

	case model.StateError:
		msg := ""
		if status.Error != nil {
			msg = *status.Error
		}
		if s.apply(task, model.EventFailed, func(st *sessionState) {
			st.jobState = model.StateError
			st.progress = progress
			st.errMsg = &msg
		}) {
			log.Warn().Str("session_id", s.id).Str("job_id", task.jobID).Str("error", msg).Msg("comparison job failed")
		}

	case model.StateDone:
		if s.apply(task, model.EventProgress, func(st *sessionState) {
			st.jobState = model.StateDone
			st.progress = progress
		}) {
			s.finish(task)
		}
	}

	return status.State.IsTerminal()
}

// finish fetches the result and the change feed exactly once per task and
// publishes them together. An aggregation failure still publishes the result
// with an empty change feed.
func (s *Session) finish(task *pollTask) {
	s.mu.Lock()
	if !s.validLocked(task) || task.resultClaimed {
		s.mu.Unlock()
		return
	}
	task.resultClaimed = true
	s.mu.Unlock()

	desc, err := s.resolver.Fetch(task.ctx, task.jobID)
	if !s.stillValid(task) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Str("job_id", task.jobID).Msg("result fetch failed")
		return
	}

	changes, err := s.aggregator.Aggregate(task.ctx, desc)
	if !s.stillValid(task) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", s.id).Str("job_id", task.jobID).Msg("change aggregation failed")
		changes = []model.ChangeRecord{}
	}

	if s.apply(task, model.EventComplete, func(st *sessionState) {
		st.result = desc
		st.changes = changes
	}) {
		log.Info().Str("session_id", s.id).Str("job_id", task.jobID).Int("changes", len(changes)).Msg("comparison complete")
	}
}

// apply mutates state on behalf of task if it is still the live task.
func (s *Session) apply(task *pollTask, event model.SessionEvent, fn func(st *sessionState)) bool {
	return s.publish(event, func() bool {
		if !s.validLocked(task) {
			return false
		}
		fn(&s.state)
		return true
	})
}

// publish runs mutate under the state lock and, if it reports a change,
// hands the resulting snapshot to the observer.
func (s *Session) publish(event model.SessionEvent, mutate func() bool) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if !mutate() {
		s.mu.Unlock()
		return false
	}
	s.state.updatedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.observe(event, snap)
	return true
}

func (s *Session) stillValid(task *pollTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked(task)
}

func (s *Session) validLocked(task *pollTask) bool {
	return s.task == task && task.ctx.Err() == nil
}

func (s *Session) stopTaskLocked() {
	if s.task != nil {
		s.task.cancel()
		s.task = nil
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) snapshotLocked() model.SessionSnapshot {
	st := s.state
	snap := model.SessionSnapshot{
		SessionID: s.id,
		JobID:     st.jobID,
		State:     st.jobState,
		Progress:  append([]model.ProgressEvent{}, st.progress...),
		Result:    st.result,
		Changes:   append([]model.ChangeRecord{}, st.changes...),
		UpdatedAt: st.updatedAt,
	}
	if st.params != nil {
		p := *st.params
		snap.Params = &p
	}
	if st.errMsg != nil {
		msg := *st.errMsg
		snap.Error = &msg
	}
	if st.selected != nil {
		sel := *st.selected
		snap.Selected = &sel
	}
	return snap
}
