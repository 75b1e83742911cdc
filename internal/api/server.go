// Package api exposes the control and telemetry surface over HTTP: REST
// endpoints meant to be polled by a dashboard, plus a WebSocket feed that
// pushes status transitions.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"suitedeck/internal/runner"
	"suitedeck/internal/session"
)

// ErrAlreadyRunning is returned when a run is requested for a session whose
// previous run is still live.
var ErrAlreadyRunning = errors.New("session already running")

// Server routes control requests to the registries and renders telemetry
// snapshots for pollers.
type Server struct {
	sessions  *session.Registry
	runners   *runner.Registry
	staticDir string
	logger    *log.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

// New creates an API server and registers its status observer on the
// session registry.
func New(sessions *session.Registry, runners *runner.Registry, staticDir string, logger *log.Logger) *Server {
	s := &Server{
		sessions:  sessions,
		runners:   runners,
		staticDir: staticDir,
		logger:    logger.With("component", "api"),
		clients:   make(map[*client]bool),
	}
	sessions.RegisterObserver(s.onStatusChange)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket status feed.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/run", s.handleRunSession)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Static file serving for the dashboard bundle.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// runSession updates the session's config and starts a fresh runner. It
// fails when the session is unknown or its previous run is still live.
func (s *Server) runSession(id string, cfg session.Config) error {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusRunning || sess.Status == session.StatusRecovering {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if err := s.sessions.UpdateConfig(id, cfg); err != nil {
		return err
	}

	// Any prior runner for this id has finished by now; clear its entry
	// before registering the replacement.
	s.runners.Stop(id)
	s.runners.Create(id).Start()
	s.logger.Info("run started", "session", id, "suite", cfg.Suite)
	return nil
}

// stopSession stops the session's active runner, if any.
func (s *Server) stopSession(id string) bool {
	return s.runners.Stop(id)
}

// closeSession stops any active runner and tears the session down.
func (s *Server) closeSession(id string) bool {
	s.runners.Stop(id)
	closed := s.sessions.Close(id)
	if closed {
		s.broadcastSessionClosed(id)
	}
	return closed
}

// SessionView is the polling telemetry snapshot for one session.
type SessionView struct {
	ID                  string         `json:"id"`
	Config              session.Config `json:"config"`
	Status              string         `json:"status"`
	StatusLine          string         `json:"statusLine"`
	Output              string         `json:"output"`
	Progress            ProgressView   `json:"progress"`
	CurrentTest         string         `json:"currentTest,omitempty"`
	StartedAt           time.Time      `json:"startedAt"`
	EndedAt             *time.Time     `json:"endedAt,omitempty"`
	Elapsed             string         `json:"elapsed"`
	RecoveryAttempts    int            `json:"recoveryAttempts"`
	MaxRecoveryAttempts int            `json:"maxRecoveryAttempts"`
}

// ProgressView renders a progress pair with its derived percentage.
type ProgressView struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

func (s *Server) view(sess *session.Session) SessionView {
	lines, err := s.sessions.Output(sess.ID)
	if err != nil {
		lines = nil // closed between snapshot and output read
	}

	end := time.Now().UTC()
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}

	return SessionView{
		ID:         sess.ID,
		Config:     sess.Config,
		Status:     string(sess.Status),
		StatusLine: composeStatusLine(sess),
		Output:     strings.Join(lines, "\n"),
		Progress: ProgressView{
			Current:    sess.Progress.Current,
			Total:      sess.Progress.Total,
			Percentage: sess.Progress.Percentage(),
		},
		CurrentTest:         sess.CurrentTest,
		StartedAt:           sess.StartedAt,
		EndedAt:             sess.EndedAt,
		Elapsed:             end.Sub(sess.StartedAt).Truncate(time.Second).String(),
		RecoveryAttempts:    sess.RecoveryAttempts,
		MaxRecoveryAttempts: sess.MaxRecoveryAttempts,
	}
}

// composeStatusLine renders a one-line summary including the current test.
func composeStatusLine(sess *session.Session) string {
	line := string(sess.Status)
	if sess.Progress.Total > 0 {
		line += fmt.Sprintf(" %d/%d (%d%%)", sess.Progress.Current, sess.Progress.Total, sess.Progress.Percentage())
	}
	if sess.CurrentTest != "" {
		line += ": " + sess.CurrentTest
	}
	return line
}
