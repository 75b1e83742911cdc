package runner

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suitedeck/internal/session"
)

// writeScript creates an executable stand-in for the suite binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "robot-stub")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type harness struct {
	sessions *session.Registry
	runners  *Registry
	id       string

	mu          sync.Mutex
	transitions []session.Status
}

func newHarness(t *testing.T, binary string, cfg session.Config) *harness {
	t.Helper()

	logger := log.New(io.Discard)
	sessions := session.NewRegistry(session.Options{}, logger)
	runners := NewRegistry(RegistryOptions{
		Sessions:        sessions,
		Binary:          binary,
		BaseOutputDir:   t.TempDir(),
		RecoveryDelay:   10 * time.Millisecond,
		GracefulTimeout: 200 * time.Millisecond,
		Logger:          logger,
	})

	sess, err := sessions.Create(cfg)
	require.NoError(t, err)

	h := &harness{sessions: sessions, runners: runners, id: sess.ID}
	sessions.RegisterObserver(func(id string, status session.Status) {
		h.mu.Lock()
		h.transitions = append(h.transitions, status)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) countTransitions(status session.Status) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.transitions {
		if s == status {
			n++
		}
	}
	return n
}

func (h *harness) waitForStatus(t *testing.T, want session.Status) *session.Session {
	t.Helper()
	var last *session.Session
	require.Eventually(t, func() bool {
		sess, err := h.sessions.Get(h.id)
		if err != nil {
			return false
		}
		last = sess
		return sess.Status == want
	}, 5*time.Second, 5*time.Millisecond, "status never became %s", want)
	return last
}

func (h *harness) output(t *testing.T) []string {
	t.Helper()
	lines, err := h.sessions.Output(h.id)
	require.NoError(t, err)
	return lines
}

func TestRunner_CompletedRun(t *testing.T) {
	script := writeScript(t, `echo "Alpha Test | PASS"
echo "Beta Test | FAIL"
exit 0`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot", Model: "llama3"})

	h.runners.Create(h.id).Start()
	sess := h.waitForStatus(t, session.StatusCompleted)

	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, 2, sess.Progress.Current)
	assert.Equal(t, 2, sess.Progress.Total)
	assert.Equal(t, "Beta Test", sess.CurrentTest)
	assert.Equal(t, 0, h.countTransitions(session.StatusRecovering))

	joined := strings.Join(h.output(t), "\n")
	assert.Contains(t, joined, "Alpha Test | PASS")
	assert.Contains(t, joined, "Beta Test | FAIL")
}

func TestRunner_FailedRunWithoutRecovery(t *testing.T) {
	script := writeScript(t, `echo "Boom Test | FAIL"
exit 1`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot", AutoRecover: false})

	h.runners.Create(h.id).Start()
	sess := h.waitForStatus(t, session.StatusFailed)

	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, 0, sess.RecoveryAttempts)
	assert.Equal(t, 0, h.countTransitions(session.StatusRecovering))

	lines := h.output(t)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "tests failed")
}

func TestRunner_RecoveryExhaustion(t *testing.T) {
	script := writeScript(t, `echo "Boom Test | FAIL"
exit 1`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot", AutoRecover: true})

	h.runners.Create(h.id).Start()

	require.Eventually(t, func() bool {
		sess, err := h.sessions.Get(h.id)
		return err == nil && sess.Status == session.StatusFailed && sess.RecoveryAttempts == 3
	}, 5*time.Second, 5*time.Millisecond, "recovery never exhausted")

	// Give a would-be 4th recovery a chance to fire, then confirm it never did.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, h.countTransitions(session.StatusRecovering))

	sess, err := h.sessions.Get(h.id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	require.NotNil(t, sess.EndedAt)

	joined := strings.Join(h.output(t), "\n")
	assert.Contains(t, joined, "retry attempt 1/3")
	assert.Contains(t, joined, "retry attempt 3/3")
	assert.NotContains(t, joined, "retry attempt 4")
}

func TestRunner_StopMidRun(t *testing.T) {
	script := writeScript(t, `echo "started"
exec sleep 30`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot", AutoRecover: true})

	r := h.runners.Create(h.id)
	r.Start()
	h.waitForStatus(t, session.StatusRunning)
	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(h.output(t), "\n"), "started")
	}, 5*time.Second, 5*time.Millisecond, "process never produced output")

	r.Stop()
	sess := h.waitForStatus(t, session.StatusFailed)

	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, 0, h.countTransitions(session.StatusRecovering), "manual stop must not trigger recovery")

	lines := h.output(t)
	require.NotEmpty(t, lines)
	assert.Equal(t, "stopped by user", lines[len(lines)-1])
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot"})

	r := h.runners.Create(h.id)
	r.Start()
	h.waitForStatus(t, session.StatusRunning)

	r.Stop()
	r.Stop() // must not panic or error
	h.waitForStatus(t, session.StatusFailed)
}

func TestRunner_StopWithoutProcess(t *testing.T) {
	script := writeScript(t, `exit 0`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot"})

	// Never started: no process attached, status untouched.
	r := h.runners.Create(h.id)
	r.Stop()

	sess, err := h.sessions.Get(h.id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, sess.Status)
}

func TestRunner_SpawnFailureIsNeverRetried(t *testing.T) {
	h := newHarness(t, "/nonexistent/robot-binary", session.Config{Suite: "suites/smoke.robot", AutoRecover: true})

	h.runners.Create(h.id).Start()
	sess := h.waitForStatus(t, session.StatusFailed)

	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, 0, sess.RecoveryAttempts)
	assert.Equal(t, 0, h.countTransitions(session.StatusRecovering))

	lines := h.output(t)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "fatal error")
}

func TestRunner_ProgressTotalFollowsCurrent(t *testing.T) {
	script := writeScript(t, `echo "One | PASS"
echo "noise"
echo "Two | PASS"
echo "Three | FAIL"
exit 0`)
	h := newHarness(t, script, session.Config{Suite: "suites/smoke.robot"})

	h.runners.Create(h.id).Start()
	sess := h.waitForStatus(t, session.StatusCompleted)

	// Total is only known implicitly, so it tracks the running count.
	assert.Equal(t, 3, sess.Progress.Current)
	assert.Equal(t, 3, sess.Progress.Total)
	assert.Equal(t, 100, sess.Progress.Percentage())
}
