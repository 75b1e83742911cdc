package runner

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"suitedeck/internal/session"
)

const (
	defaultBinary          = "robot"
	defaultRecoveryDelay   = 5 * time.Second
	defaultGracefulTimeout = 5 * time.Second
)

// RegistryOptions configure runner construction. Zero fields fall back to
// defaults.
type RegistryOptions struct {
	Sessions        *session.Registry
	Binary          string
	BaseOutputDir   string
	RecoveryDelay   time.Duration
	GracefulTimeout time.Duration
	Logger          *log.Logger
}

// Registry maps session id to its live runner, enforcing at most one per
// session. The lock guards only the map; a runner's blocking work happens
// outside it.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*Runner
	opts    RegistryOptions
}

// NewRegistry creates an empty runner registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = defaultRecoveryDelay
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr)
	}
	return &Registry{
		runners: make(map[string]*Runner),
		opts:    opts,
	}
}

// Create constructs and registers a runner for the session, replacing any
// prior entry for the same id. A still-live prior runner must be stopped by
// the caller first; Create does not auto-stop it.
func (reg *Registry) Create(sessionID string) *Runner {
	r := &Runner{
		sessionID:     sessionID,
		sessions:      reg.opts.Sessions,
		binary:        reg.opts.Binary,
		outputDir:     SessionOutputDir(reg.opts.BaseOutputDir, sessionID),
		recoveryDelay: reg.opts.RecoveryDelay,
		grace:         reg.opts.GracefulTimeout,
		logger:        reg.opts.Logger.With("component", "runner", "session", sessionID),
		stopped:       make(chan struct{}),
	}

	reg.mu.Lock()
	reg.runners[sessionID] = r
	reg.mu.Unlock()
	return r
}

// Get returns the registered runner for a session id.
func (reg *Registry) Get(sessionID string) (*Runner, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.runners[sessionID]
	return r, ok
}

// Stop stops the session's runner and removes it from the registry. It
// reports whether a runner was registered for the id.
func (reg *Registry) Stop(sessionID string) bool {
	reg.mu.Lock()
	r, ok := reg.runners[sessionID]
	if ok {
		delete(reg.runners, sessionID)
	}
	reg.mu.Unlock()

	if !ok {
		return false
	}
	r.Stop()
	return true
}

// StopAll stops and removes every registered runner.
func (reg *Registry) StopAll() {
	reg.mu.Lock()
	runners := make([]*Runner, 0, len(reg.runners))
	for id, r := range reg.runners {
		runners = append(runners, r)
		delete(reg.runners, id)
	}
	reg.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}
