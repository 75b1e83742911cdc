package session

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultMaxSessions         = 5
	defaultRingCapacity        = 1000
	defaultMaxRecoveryAttempts = 3
	defaultGracefulTimeout     = 5 * time.Second
)

var (
	// ErrCapacityExceeded is returned when the registry is at its session cap.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrNotFound is returned when no session exists for an id.
	ErrNotFound = errors.New("session not found")
)

// Observer is notified once per status transition. Callbacks are invoked
// outside the registry lock and may safely re-enter the registry.
type Observer func(sessionID string, status Status)

// Options configure a Registry. Zero fields fall back to defaults.
type Options struct {
	MaxSessions     int
	RingCapacity    int
	GracefulTimeout time.Duration
}

type managedSession struct {
	sess *Session
	ring *RingBuffer
	proc *os.Process
}

// Registry is the thread-safe store of all live sessions. It is the sole
// serialization point for session state: runners mutate sessions only
// through its methods and pollers read consistent snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession

	obsMu     sync.RWMutex
	observers []Observer

	maxSessions     int
	ringCapacity    int
	gracefulTimeout time.Duration
	logger          *log.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts Options, logger *log.Logger) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = defaultRingCapacity
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Registry{
		sessions:        make(map[string]*managedSession),
		maxSessions:     opts.MaxSessions,
		ringCapacity:    opts.RingCapacity,
		gracefulTimeout: opts.GracefulTimeout,
		logger:          logger.With("component", "session-registry"),
	}
}

// Create allocates a new session in status idle. The capacity check and the
// insert happen under one lock so concurrent creators cannot overshoot the cap.
func (r *Registry) Create(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrCapacityExceeded, r.maxSessions)
	}

	sess := &Session{
		ID:                  uuid.New().String(),
		Config:              cfg,
		Status:              StatusIdle,
		StartedAt:           time.Now().UTC(),
		MaxRecoveryAttempts: defaultMaxRecoveryAttempts,
	}
	r.sessions[sess.ID] = &managedSession{
		sess: sess,
		ring: NewRingBuffer(r.ringCapacity),
	}

	r.logger.Info("session created", "session", sess.ID, "suite", cfg.Suite)
	return sess.clone(), nil
}

// Get returns a snapshot copy of one session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ms, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms.sess.clone(), nil
}

// List returns snapshot copies of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, ms := range r.sessions {
		result = append(result, ms.sess.clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Close terminates any attached process and removes the session record.
// It reports whether the id existed. Closing is the only way a session
// permanently disappears.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	ms, ok := r.sessions[id]
	var proc *os.Process
	if ok {
		proc = ms.proc
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	terminate(proc, r.gracefulTimeout)
	r.logger.Info("session closed", "session", id)
	return true
}

// UpdateStatus sets a session's status, stamping the end time on terminal
// statuses and clearing it when a recovery attempt re-enters a live status.
// Unknown ids are a no-op so mutators racing a concurrent Close degrade
// gracefully.
func (r *Registry) UpdateStatus(id string, status Status) {
	r.mu.Lock()
	ms, ok := r.sessions[id]
	if ok {
		ms.sess.Status = status
		if status.Terminal() {
			now := time.Now().UTC()
			ms.sess.EndedAt = &now
		} else {
			ms.sess.EndedAt = nil
		}
	}
	r.mu.Unlock()

	if ok {
		r.notify(id, status)
	}
}

// AppendOutput pushes a line into the session's bounded output buffer.
// Unknown ids are a no-op.
func (r *Registry) AppendOutput(id, line string) {
	r.mu.RLock()
	ms, ok := r.sessions[id]
	r.mu.RUnlock()

	if ok {
		ms.ring.Append(line)
	}
}

// Output returns a snapshot of the session's buffered output lines.
func (r *Registry) Output(id string) ([]string, error) {
	r.mu.RLock()
	ms, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms.ring.Lines(), nil
}

// UpdateProgress records completed vs expected test counts. Negative counts
// or current > total indicate a parser bug and are rejected. currentTest, if
// non-empty, replaces the session's current test name. Unknown ids are a
// no-op for this best-effort mutator.
func (r *Registry) UpdateProgress(id string, current, total int, currentTest string) error {
	if current < 0 || total < 0 {
		return fmt.Errorf("negative progress count %d/%d", current, total)
	}
	if current > total {
		return fmt.Errorf("progress current %d exceeds total %d", current, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.sessions[id]
	if !ok {
		return nil
	}
	ms.sess.Progress = Progress{Current: current, Total: total}
	if currentTest != "" {
		ms.sess.CurrentTest = currentTest
	}
	return nil
}

// UpdateConfig replaces a session's config ahead of a new run and resets the
// per-run state (progress, current test, recovery counter).
func (r *Registry) UpdateConfig(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ms.sess.Config = cfg
	ms.sess.Progress = Progress{}
	ms.sess.CurrentTest = ""
	ms.sess.RecoveryAttempts = 0
	return nil
}

// AttachProcess records the OS process backing the session's current
// attempt, or detaches it when proc is nil. Unknown ids are a no-op.
func (r *Registry) AttachProcess(id string, proc *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ms, ok := r.sessions[id]; ok {
		ms.proc = proc
	}
}

// BeginRecovery transitions a failed session into recovery if it still
// qualifies: the attempt counter is incremented before the transition and
// recovery is declined once the counter has reached its maximum. It returns
// the new attempt number, the maximum, and whether recovery was granted.
func (r *Registry) BeginRecovery(id string) (attempt, maxAttempts int, ok bool) {
	r.mu.Lock()
	ms, found := r.sessions[id]
	if !found || ms.sess.RecoveryAttempts >= ms.sess.MaxRecoveryAttempts {
		r.mu.Unlock()
		return 0, 0, false
	}
	ms.sess.RecoveryAttempts++
	ms.sess.Status = StatusRecovering
	ms.sess.EndedAt = nil
	attempt = ms.sess.RecoveryAttempts
	maxAttempts = ms.sess.MaxRecoveryAttempts
	r.mu.Unlock()

	r.notify(id, StatusRecovering)
	return attempt, maxAttempts, true
}

// RegisterObserver appends a callback invoked once per status transition.
func (r *Registry) RegisterObserver(fn Observer) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// notify fans a status transition out to observers. Invocation happens
// without holding the registry lock and callback panics are discarded so a
// broken observer can never abort the mutator that triggered it.
func (r *Registry) notify(id string, status Status) {
	r.obsMu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warn("observer panicked", "session", id, "panic", rec)
				}
			}()
			fn(id, status)
		}()
	}
}

// Shutdown closes every live session.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id)
	}
}

// terminate requests graceful termination and schedules a force-kill after
// the grace period. It tolerates processes that already exited or were never
// started.
func terminate(proc *os.Process, grace time.Duration) {
	if proc == nil {
		return
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return // already exited
	}
	time.AfterFunc(grace, func() {
		_ = proc.Kill()
	})
}
