package artifact

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suitedeck/internal/session"
)

const sampleResults = `<?xml version="1.0" encoding="UTF-8"?>
<robot generated="20260826 14:23:01">
  <suite name="Smoke">
    <test name="Addition Test">
      <status status="PASS"></status>
    </test>
    <test name="Subtraction Test">
      <status status="FAIL">expected 1 but got 2</status>
    </test>
    <suite name="Nested">
      <test name="Login Test">
        <status status="PASS"></status>
      </test>
    </suite>
  </suite>
</robot>`

func TestParseResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output-20260826-142301.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleResults), 0o644))

	outcomes, err := ParseResults(path)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, Outcome{Name: "Addition Test", Passed: true}, outcomes[0])
	assert.Equal(t, Outcome{Name: "Subtraction Test", Passed: false, Message: "expected 1 but got 2"}, outcomes[1])
	assert.Equal(t, Outcome{Name: "Login Test", Passed: true}, outcomes[2])
}

func TestParseResults_BadXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.xml")
	require.NoError(t, os.WriteFile(path, []byte("not xml"), 0o644))

	_, err := ParseResults(path)
	assert.Error(t, err)
}

func TestImportRun_ExistingFile(t *testing.T) {
	baseDir := t.TempDir()
	sessionID := "sess-1"
	dir := filepath.Join(baseDir, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.xml"), []byte(sampleResults), 0o644))

	var mu sync.Mutex
	var gotID string
	var gotOutcomes []Outcome
	imp := NewImporter(baseDir, time.Second, func(id string, outcomes []Outcome) {
		mu.Lock()
		gotID = id
		gotOutcomes = outcomes
		mu.Unlock()
	}, log.New(io.Discard))

	require.NoError(t, imp.ImportRun(sessionID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sessionID, gotID)
	assert.Len(t, gotOutcomes, 3)
}

func TestImportRun_WaitsForFile(t *testing.T) {
	baseDir := t.TempDir()
	sessionID := "sess-2"
	dir := filepath.Join(baseDir, sessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	done := make(chan []Outcome, 1)
	imp := NewImporter(baseDir, 3*time.Second, func(_ string, outcomes []Outcome) {
		done <- outcomes
	}, log.New(io.Discard))

	errCh := make(chan error, 1)
	go func() { errCh <- imp.ImportRun(sessionID) }()

	// The result file lands after the import has started waiting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output-20260826-150000.xml"), []byte(sampleResults), 0o644))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("import never finished")
	}

	select {
	case outcomes := <-done:
		assert.Len(t, outcomes, 3)
	default:
		t.Fatal("store was never invoked")
	}
}

func TestImportRun_TimesOutWithoutFile(t *testing.T) {
	baseDir := t.TempDir()
	dir := filepath.Join(baseDir, "sess-3")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	imp := NewImporter(baseDir, 50*time.Millisecond, nil, log.New(io.Discard))
	assert.Error(t, imp.ImportRun("sess-3"))
}

func TestObserve_IgnoresLiveStatuses(t *testing.T) {
	called := make(chan struct{}, 1)
	imp := NewImporter(t.TempDir(), 50*time.Millisecond, func(string, []Outcome) {
		called <- struct{}{}
	}, log.New(io.Discard))

	imp.Observe("sess-4", session.StatusRunning)
	imp.Observe("sess-4", session.StatusRecovering)

	select {
	case <-called:
		t.Fatal("store invoked for a non-terminal status")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIsResultFile(t *testing.T) {
	assert.True(t, isResultFile("/x/output.xml"))
	assert.True(t, isResultFile("/x/output-20260826-142301.xml"))
	assert.False(t, isResultFile("/x/log.html"))
	assert.False(t, isResultFile("/x/report.html"))
	assert.False(t, isResultFile("/x/output.json"))
}
