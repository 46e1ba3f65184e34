package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/model"
)

const storeTimeout = 3 * time.Second

// Broadcaster pushes snapshots to live subscribers of a session
type Broadcaster interface {
	Publish(event model.SessionEvent, snap model.SessionSnapshot)
}

// SessionOptions tunes new sessions
type SessionOptions struct {
	PollInterval time.Duration
}

// SessionService owns every live comparison session
type SessionService struct {
	jobs        client.JobService
	resolver    *Resolver
	aggregator  *Aggregator
	store       SnapshotStore
	broadcaster Broadcaster
	opts        SessionOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionService(jobs client.JobService, resolver *Resolver, aggregator *Aggregator, store SnapshotStore, broadcaster Broadcaster, opts SessionOptions) *SessionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionService{
		jobs:        jobs,
		resolver:    resolver,
		aggregator:  aggregator,
		store:       store,
		broadcaster: broadcaster,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
}

// Create opens a new idle session
func (s *SessionService) Create() *Session {
	id := uuid.New().String()
	sess := newSession(s.ctx, id, s.jobs, s.resolver, s.aggregator, s.opts.PollInterval, s.observe)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.observe(model.EventCreated, sess.Snapshot())
	log.Info().Str("session_id", id).Msg("session created")
	return sess
}

// Get returns a live session
func (s *SessionService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Snapshot returns the state of a live session, falling back to the store
// for sessions owned by another instance.
func (s *SessionService) Snapshot(ctx context.Context, id string) (*model.SessionSnapshot, error) {
	if sess, err := s.Get(id); err == nil {
		snap := sess.Snapshot()
		return &snap, nil
	}

	if s.store == nil {
		return nil, ErrSessionNotFound
	}
	snap, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return snap, nil
}

// Close tears a session down and forgets it
func (s *SessionService) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.Close()
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to delete session snapshot")
		}
	}
	return nil
}

// Shutdown closes every session and cancels all poll tasks
func (s *SessionService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Close(ctx, id)
	}
	s.cancel()
	log.Info().Int("sessions", len(ids)).Msg("session service stopped")
}

func (s *SessionService) observe(event model.SessionEvent, snap model.SessionSnapshot) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		if err := s.store.Save(ctx, snap); err != nil {
			log.Warn().Err(err).Str("session_id", snap.SessionID).Msg("failed to save session snapshot")
		}
		cancel()
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(event, snap)
	}
}
