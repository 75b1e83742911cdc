// Package artifact hands finished run output off to a result store: it
// awaits the suite's result XML in the session's output directory, parses
// per-test outcomes, and delivers them to a store callback.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"suitedeck/internal/session"
)

const defaultWaitTimeout = 30 * time.Second

// Outcome is one test case result parsed from a suite result file.
type Outcome struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// StoreFunc persists parsed outcomes for one session run.
type StoreFunc func(sessionID string, outcomes []Outcome)

// Importer watches session output directories for result files and imports
// them when a run reaches a terminal status.
type Importer struct {
	baseDir     string
	waitTimeout time.Duration
	store       StoreFunc
	logger      *log.Logger
}

// NewImporter creates an importer rooted at baseDir. waitTimeout bounds how
// long an import waits for the result file to appear; zero uses the default.
func NewImporter(baseDir string, waitTimeout time.Duration, store StoreFunc, logger *log.Logger) *Importer {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Importer{
		baseDir:     baseDir,
		waitTimeout: waitTimeout,
		store:       store,
		logger:      logger.With("component", "artifact-importer"),
	}
}

// Observe is a session registry observer: terminal statuses trigger an
// import of the run's output directory.
func (i *Importer) Observe(sessionID string, status session.Status) {
	if !status.Terminal() {
		return
	}
	go func() {
		if err := i.ImportRun(sessionID); err != nil {
			i.logger.Warn("artifact import failed", "session", sessionID, "err", err)
		}
	}()
}

// ImportRun parses the newest result file in the session's output directory
// and delivers its outcomes to the store.
func (i *Importer) ImportRun(sessionID string) error {
	dir := filepath.Join(i.baseDir, sessionID)
	path, err := i.awaitResultFile(dir)
	if err != nil {
		return err
	}
	outcomes, err := ParseResults(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	i.logger.Info("run imported", "session", sessionID, "file", filepath.Base(path), "tests", len(outcomes))
	if i.store != nil {
		i.store(sessionID, outcomes)
	}
	return nil
}

// awaitResultFile returns the newest result XML in dir, watching the
// directory with fsnotify until one appears or the wait times out.
func (i *Importer) awaitResultFile(dir string) (string, error) {
	if path := newestResultFile(dir); path != "" {
		return path, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return "", fmt.Errorf("watch %s: %w", dir, err)
	}

	// A write may have landed between the scan and the watch.
	if path := newestResultFile(dir); path != "" {
		return path, nil
	}

	deadline := time.After(i.waitTimeout)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return "", fmt.Errorf("watcher closed for %s", dir)
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if isResultFile(event.Name) {
					return event.Name, nil
				}
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return "", fmt.Errorf("watcher closed for %s", dir)
			}
			i.logger.Warn("watcher error", "dir", dir, "err", werr)

		case <-deadline:
			return "", fmt.Errorf("no result file in %s after %s", dir, i.waitTimeout)
		}
	}
}

// isResultFile matches suite result artifacts, including timestamped ones
// like output-20260826-142301.xml.
func isResultFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "output") && strings.HasSuffix(base, ".xml")
}

// newestResultFile returns the most recently modified result file in dir,
// or "" when none exists.
func newestResultFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !isResultFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}
