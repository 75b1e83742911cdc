package runner

import (
	"fmt"

	"suitedeck/internal/session"
)

const ollamaPort = 11434

// BuildArgs assembles the suite-runner command line for one attempt.
// The suite selector is always the trailing positional argument.
func BuildArgs(cfg session.Config, outputDir string) []string {
	args := []string{"--outputdir", outputDir}
	for _, tag := range cfg.Tags {
		args = append(args, "--include", tag)
	}
	if cfg.DryRun {
		args = append(args, "--dryrun")
	}
	if cfg.Randomize {
		args = append(args, "--randomize", "all")
	}
	if cfg.LogLevel != "" && cfg.LogLevel != session.LogLevelInfo {
		args = append(args, "--loglevel", string(cfg.LogLevel))
	}
	args = append(args, "--variable", "MODEL:"+cfg.Model)
	args = append(args, "--variable", "RESOURCE_PROFILE:"+cfg.ResourceProfile)
	if cfg.OllamaHost != "" {
		endpoint := fmt.Sprintf("http://%s:%d", cfg.OllamaHost, ollamaPort)
		args = append(args, "--variable", "OLLAMA_URL:"+endpoint)
	}
	args = append(args, "--timestampoutputs", cfg.Suite)
	return args
}
