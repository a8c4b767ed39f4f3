package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry is the process-wide index of all worker sessions, keyed both by
// session id (for resume lookups) and by worker instance id (for selection
// and drain-by-worker operations).
type Registry struct {
	mu         sync.RWMutex
	bySession  map[string]*Session
	byInstance map[string][]*Session
	logger     *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bySession:  make(map[string]*Session),
		byInstance: make(map[string][]*Session),
		logger:     logger,
	}
}

// Add registers a newly created session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[s.ID()] = s
	wid := s.WorkerInstanceID()
	r.byInstance[wid] = append(r.byInstance[wid], s)
}

// Get looks up a session by id for resume/ack routing.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// Remove drops a session from the registry entirely (used once the grace
// period has elapsed, not on a transient disconnect).
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	wid := s.WorkerInstanceID()
	remaining := r.byInstance[wid][:0]
	for _, sess := range r.byInstance[wid] {
		if sess.ID() != sessionID {
			remaining = append(remaining, sess)
		}
	}
	if len(remaining) == 0 {
		delete(r.byInstance, wid)
	} else {
		r.byInstance[wid] = remaining
	}
}

// GetByWorkerInstance returns the live session registered for a worker
// instance id, for routing a resolved NextResponseDispatch back to the
// worker that asked for it. If the instance has reconnected under more
// than one session (a resume race), the most recently added wins.
func (r *Registry) GetByWorkerInstance(workerInstanceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byInstance[workerInstanceID]
	if len(sessions) == 0 {
		return nil, false
	}
	return sessions[len(sessions)-1], true
}

// ByWorkerName returns every session currently registered under a worker
// name, for control.drain fan-out addressed by name rather than instance.
func (r *Registry) ByWorkerName(workerName string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.bySession {
		if s.Snapshot().WorkerName == workerName {
			out = append(out, s)
		}
	}
	return out
}

// Snapshots returns a read-only snapshot of every session, for selection
// strategies that scan the full candidate pool.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s.Snapshot())
	}
	return out
}

// ReapExpired removes every session whose grace period has elapsed as of
// now, returning the ids removed. Intended to be called periodically by
// the housekeeping sweep.
func (r *Registry) ReapExpired(now time.Time) []string {
	r.mu.RLock()
	var expired []string
	for id, s := range r.bySession {
		if s.ExpiredAt(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Remove(id)
		r.logger.Info("reaped expired worker session", "session_id", id, "grace_period", GracePeriod)
	}
	return expired
}
