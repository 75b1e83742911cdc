package session

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a session's current attempt.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the current attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LogLevel is the console verbosity forwarded to the suite runner.
type LogLevel string

const (
	LogLevelTrace LogLevel = "TRACE"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO" // runner default
	LogLevelWarn  LogLevel = "WARN"
	LogLevelNone  LogLevel = "NONE"
)

var validLogLevels = map[LogLevel]bool{
	LogLevelTrace: true,
	LogLevelDebug: true,
	LogLevelInfo:  true,
	LogLevelWarn:  true,
	LogLevelNone:  true,
}

// Config is the per-run configuration for one test-suite execution.
type Config struct {
	Suite           string   `json:"suite"`
	Tags            []string `json:"tags,omitempty"`
	Model           string   `json:"model"`
	ResourceProfile string   `json:"resourceProfile"`
	OllamaHost      string   `json:"ollamaHost,omitempty"`
	AutoRecover     bool     `json:"autoRecover"`
	DryRun          bool     `json:"dryRun"`
	Randomize       bool     `json:"randomize"`
	LogLevel        LogLevel `json:"logLevel"`
}

// Validate normalizes the config and rejects invalid field values.
// An empty log level defaults to INFO.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Suite) == "" {
		return fmt.Errorf("suite is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}
	c.LogLevel = LogLevel(strings.ToUpper(string(c.LogLevel)))
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	if c.OllamaHost != "" && strings.TrimSpace(c.OllamaHost) == "" {
		return fmt.Errorf("ollama host must not be blank")
	}
	return nil
}

// Progress counts completed vs expected test cases in the running attempt.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percentage returns completion as an integer in [0,100].
func (p Progress) Percentage() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Current * 100 / p.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Session holds metadata and live state for a single suite run.
type Session struct {
	ID                  string     `json:"id"`
	Config              Config     `json:"config"`
	Status              Status     `json:"status"`
	StartedAt           time.Time  `json:"startedAt"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
	Progress            Progress   `json:"progress"`
	CurrentTest         string     `json:"currentTest,omitempty"`
	RecoveryAttempts    int        `json:"recoveryAttempts"`
	MaxRecoveryAttempts int        `json:"maxRecoveryAttempts"`
}

// clone returns a copy safe to hand to callers outside the registry lock.
func (s *Session) clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Config.Tags = append([]string(nil), s.Config.Tags...)
	return &cp
}
