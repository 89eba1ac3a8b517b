package session

import (
	"sync"
	"time"

	"voicegate/core"
)

// Registry is the process-wide mapping from call identifier to CallSession.
// It guards creation and teardown, and absorbs the race where a call's stop
// event arrives before its start finishes: such stops are held for a bounded
// window and applied when (and if) the session is created.
type Registry struct {
	logger *core.Logger

	// StopHoldTimeout bounds how long an early stop is remembered.
	stopHold time.Duration

	mu           sync.Mutex
	sessions     map[string]*CallSession
	pendingStops map[string]time.Time
}

// NewRegistry creates an empty registry. stopHold bounds how long a stop
// that precedes its session's creation is queued; zero means 10 seconds.
func NewRegistry(stopHold time.Duration, logger *core.Logger) *Registry {
	if stopHold <= 0 {
		stopHold = 10 * time.Second
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Registry{
		logger:       logger,
		stopHold:     stopHold,
		sessions:     make(map[string]*CallSession),
		pendingStops: make(map[string]time.Time),
	}
}

// Add registers a newly created session. Fails with
// core.ErrDuplicateSession, leaving the existing session untouched, if the
// call identifier is already present. If a stop for this call arrived early
// and is still within the hold window, the session is stopped immediately.
func (r *Registry) Add(sess *CallSession) error {
	r.mu.Lock()
	if _, ok := r.sessions[sess.CallID]; ok {
		r.mu.Unlock()
		return core.ErrDuplicateSession
	}
	r.sessions[sess.CallID] = sess
	stoppedAt, hadStop := r.pendingStops[sess.CallID]
	if hadStop {
		delete(r.pendingStops, sess.CallID)
	}
	r.mu.Unlock()

	if hadStop && time.Since(stoppedAt) <= r.stopHold {
		r.logger.With(map[string]any{"call_sid": sess.CallID}).Warn("stop arrived before session creation, stopping now")
		go sess.Stop()
	}
	return nil
}

// Get returns the session for the call, or core.ErrSessionNotFound.
func (r *Registry) Get(callID string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess, nil
}

// Remove drops the session for the call. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}

// Evict drops the session only if it is the one currently registered for its
// call. A rejected duplicate closing itself must not evict the live session
// that kept the call ID.
func (r *Registry) Evict(sess *CallSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[sess.CallID]; ok && cur == sess {
		delete(r.sessions, sess.CallID)
	}
	r.mu.Unlock()
}

// RouteStop delivers a stop event. If the session exists it is stopped; if
// not, the stop is held for the bounded window in case creation is still in
// flight. Expired holds are dropped with a recorded warning.
func (r *Registry) RouteStop(callID string) {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		heldAt := time.Now()
		r.pendingStops[callID] = heldAt
		r.mu.Unlock()
		r.logger.With(map[string]any{"call_sid": callID}).Warn("stop for unknown call queued")
		time.AfterFunc(r.stopHold, func() { r.expireHeld(callID, heldAt) })
		return
	}
	r.mu.Unlock()
	sess.Stop()
}

// expireHeld drops one held stop once its window lapses, unless a newer stop
// for the same call refreshed the hold in the meantime.
func (r *Registry) expireHeld(callID string, heldAt time.Time) {
	r.mu.Lock()
	at, ok := r.pendingStops[callID]
	if ok && !at.After(heldAt) {
		delete(r.pendingStops, callID)
		r.mu.Unlock()
		r.logger.With(map[string]any{"call_sid": callID}).Warn("held stop expired, session never created")
		return
	}
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll drains every live session, used at graceful shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *CallSession) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
