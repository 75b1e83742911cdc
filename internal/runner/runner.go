package runner

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"suitedeck/internal/session"
)

const scannerBufSize = 1024 * 1024 // 1 MB

var errStopped = errors.New("stopped by user")

// spawnError marks a process that could not be started. Spawn failures
// indicate a configuration problem, not a transient fault, so they are
// never auto-recovered.
type spawnError struct{ err error }

func (e *spawnError) Error() string { return "spawn: " + e.err.Error() }
func (e *spawnError) Unwrap() error { return e.err }

// Runner drives the attempt loop for exactly one session: it spawns the
// external suite process, streams its merged output into the session's
// buffer, and applies the recovery policy between failed attempts. All
// session state flows through registry mutators; the runner holds only the
// session id.
type Runner struct {
	sessionID     string
	sessions      *session.Registry
	binary        string
	outputDir     string
	recoveryDelay time.Duration
	grace         time.Duration
	logger        *log.Logger

	stopOnce sync.Once
	stopped  chan struct{}

	mu   sync.Mutex
	proc *os.Process
}

// Start launches the attempt loop asynchronously. It never blocks the caller.
func (r *Runner) Start() {
	go r.loop()
}

// Stop requests cancellation of the current attempt: the run is marked
// stopped, the process (if any) is asked to terminate gracefully, and a
// force-kill is scheduled after the grace period. Stop is idempotent and
// tolerates processes that already exited or were never started.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.killProc()
}

func (r *Runner) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

func (r *Runner) setProc(proc *os.Process) {
	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
}

func (r *Runner) killProc() {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return // already exited
	}
	grace := r.grace
	time.AfterFunc(grace, func() {
		_ = proc.Kill()
	})
}

// loop runs attempts until one completes, the recovery policy declines, or
// the runner is stopped. Any panic escaping an attempt is converted into a
// failed status instead of crashing the worker.
func (r *Runner) loop() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("runner panicked", "session", r.sessionID, "panic", rec)
			r.sessions.AppendOutput(r.sessionID, fmt.Sprintf("fatal error: %v", rec))
			r.sessions.UpdateStatus(r.sessionID, session.StatusFailed)
		}
	}()

	for {
		err := r.attempt()
		switch {
		case err == nil:
			r.sessions.UpdateStatus(r.sessionID, session.StatusCompleted)
			r.logger.Info("run completed", "session", r.sessionID)
			return

		case errors.Is(err, errStopped):
			r.sessions.AppendOutput(r.sessionID, "stopped by user")
			r.sessions.UpdateStatus(r.sessionID, session.StatusFailed)
			r.logger.Info("run stopped", "session", r.sessionID)
			return
		}

		var spawn *spawnError
		if errors.As(err, &spawn) {
			r.sessions.AppendOutput(r.sessionID, "fatal error: "+spawn.err.Error())
			r.sessions.UpdateStatus(r.sessionID, session.StatusFailed)
			r.logger.Error("spawn failed", "session", r.sessionID, "err", spawn.err)
			return
		}

		r.sessions.AppendOutput(r.sessionID, "tests failed: "+err.Error())
		r.sessions.UpdateStatus(r.sessionID, session.StatusFailed)
		r.logger.Warn("attempt failed", "session", r.sessionID, "err", err)

		sess, gerr := r.sessions.Get(r.sessionID)
		if gerr != nil || !sess.Config.AutoRecover || r.isStopped() {
			return
		}
		attempt, maxAttempts, ok := r.sessions.BeginRecovery(r.sessionID)
		if !ok {
			return
		}
		r.sessions.AppendOutput(r.sessionID,
			fmt.Sprintf("recovering: retry attempt %d/%d in %s", attempt, maxAttempts, r.recoveryDelay))

		select {
		case <-time.After(r.recoveryDelay):
		case <-r.stopped:
			r.sessions.AppendOutput(r.sessionID, "stopped by user")
			r.sessions.UpdateStatus(r.sessionID, session.StatusFailed)
			return
		}
	}
}

// attempt executes one run of the external process. It returns nil on a
// clean exit, errStopped when cancellation interrupted the attempt, a
// *spawnError when the process could not start, and a plain error for
// non-zero exits or stream failures.
func (r *Runner) attempt() error {
	if r.isStopped() {
		return errStopped
	}

	r.sessions.UpdateStatus(r.sessionID, session.StatusRunning)

	sess, err := r.sessions.Get(r.sessionID)
	if err != nil {
		// Session closed underneath us; every mutator from here on is a no-op.
		return errStopped
	}
	_ = r.sessions.UpdateProgress(r.sessionID, 0, 0, "")

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return &spawnError{err}
	}

	args := BuildArgs(sess.Config, r.outputDir)
	cmd := exec.Command(r.binary, args...)

	// Merge stdout and stderr into one ordered line stream.
	pr, pw, err := os.Pipe()
	if err != nil {
		return &spawnError{err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.sessions.AppendOutput(r.sessionID, "$ "+r.binary+" "+strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return &spawnError{err}
	}
	pw.Close() // the child holds the write end now

	r.setProc(cmd.Process)
	r.sessions.AttachProcess(r.sessionID, cmd.Process)
	if r.isStopped() {
		r.killProc()
	}

	current, total := 0, 0
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		if r.isStopped() {
			break
		}
		line := scanner.Text()
		r.sessions.AppendOutput(r.sessionID, line)

		if name, ok := ParseProgress(line); ok {
			current++
			if total < current {
				total = current
			}
			if perr := r.sessions.UpdateProgress(r.sessionID, current, total, name); perr != nil {
				r.logger.Warn("progress update rejected", "session", r.sessionID, "err", perr)
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	pr.Close()
	r.setProc(nil)
	r.sessions.AttachProcess(r.sessionID, nil)

	if r.isStopped() {
		return errStopped
	}
	if scanErr != nil {
		r.sessions.AppendOutput(r.sessionID, "output stream error: "+scanErr.Error())
		return fmt.Errorf("read output: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("suite exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("wait for suite: %w", waitErr)
	}
	return nil
}

// OutputDir returns the directory the suite writes its result artifacts to.
func (r *Runner) OutputDir() string {
	return r.outputDir
}

// SessionOutputDir composes the per-session artifact directory.
func SessionOutputDir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, sessionID)
}
