package session

import "testing"

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{Suite: "suites/smoke.robot"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.LogLevel != LogLevelInfo {
		t.Errorf("expected default log level INFO, got %s", cfg.LogLevel)
	}
}

func TestConfigValidate_NormalizesLogLevel(t *testing.T) {
	cfg := Config{Suite: "suites/smoke.robot", LogLevel: "debug"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.LogLevel != LogLevelDebug {
		t.Errorf("expected DEBUG, got %s", cfg.LogLevel)
	}
}

func TestConfigValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := Config{Suite: "suites/smoke.robot", LogLevel: "LOUD"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestConfigValidate_RequiresSuite(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing suite")
	}
}

func TestConfigValidate_RejectsBlankOllamaHost(t *testing.T) {
	cfg := Config{Suite: "suites/smoke.robot", OllamaHost: "   "}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for blank ollama host")
	}
}

func TestProgressPercentage(t *testing.T) {
	cases := []struct {
		current, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{3, 10, 30},
		{1, 3, 33},
		{10, 10, 100},
		{15, 10, 100}, // clamped, never above 100
	}
	for _, tc := range cases {
		p := Progress{Current: tc.current, Total: tc.total}
		if got := p.Percentage(); got != tc.want {
			t.Errorf("Percentage(%d/%d) = %d, want %d", tc.current, tc.total, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusIdle:       false,
		StatusRunning:    false,
		StatusRecovering: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
