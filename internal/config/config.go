// Package config loads the run configuration file and the ambient environment
// (API keys via .env) for a chisel session.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chiseldev/chisel/internal/llm"
)

type RepoConfig struct {
	Path       string `yaml:"path"`
	BaseBranch string `yaml:"base_branch"`
}

type SandboxConfig struct {
	Mode           string   `yaml:"mode"` // local | remote
	Image          string   `yaml:"image"`
	WorkspacePath  string   `yaml:"workspace_path"`
	InstallCommand string   `yaml:"install_command"`
	TreeMaxDepth   int      `yaml:"tree_max_depth"`
	IgnoreGlobs    []string `yaml:"ignore_globs"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutMS        int `yaml:"timeout_ms"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Jitter         bool    `yaml:"jitter"`
}

type ModelsConfig struct {
	Primary   llm.ModelConfig   `yaml:"primary"`
	Fallbacks []llm.ModelConfig `yaml:"fallbacks"`
	Breaker   BreakerConfig     `yaml:"breaker"`
	Retry     RetryConfig       `yaml:"retry"`
}

type WorkflowConfig struct {
	// MaxContextActions bounds planner context gathering. The message budget is
	// maxContextActions*2+1: each action costs two messages plus the one seed
	// message.
	MaxContextActions int `yaml:"max_context_actions"`

	// StepCeiling is the hard recursion limit per workflow run.
	StepCeiling int `yaml:"step_ceiling"`
}

type ReviewConfig struct {
	// UnsafeCommandGlobs are doublestar patterns matched against reviewer shell
	// commands; matches are filtered before execution.
	UnsafeCommandGlobs []string `yaml:"unsafe_command_globs"`
}

type Config struct {
	Version  int            `yaml:"version"`
	Repo     RepoConfig     `yaml:"repo"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Models   ModelsConfig   `yaml:"models"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Review   ReviewConfig   `yaml:"review"`

	// StateDir holds resumable session records. Defaults near the config file.
	StateDir string `yaml:"state_dir"`

	// EnvFile is loaded via godotenv before adapters read API keys. Optional.
	EnvFile string `yaml:"env_file"`
}

func (c *Config) applyDefaults(configDir string) {
	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = "local"
	}
	if c.Sandbox.WorkspacePath == "" {
		c.Sandbox.WorkspacePath = "/workspace"
	}
	if c.Sandbox.TreeMaxDepth <= 0 {
		c.Sandbox.TreeMaxDepth = 3
	}
	if c.Repo.BaseBranch == "" {
		c.Repo.BaseBranch = "main"
	}
	if c.Models.Breaker.FailureThreshold <= 0 {
		c.Models.Breaker.FailureThreshold = llm.DefaultFailureThreshold
	}
	if c.Models.Breaker.TimeoutMS <= 0 {
		c.Models.Breaker.TimeoutMS = 180_000
	}
	if c.Models.Retry.MaxAttempts <= 0 {
		c.Models.Retry.MaxAttempts = 3
	}
	if c.Models.Retry.InitialDelayMS <= 0 {
		c.Models.Retry.InitialDelayMS = 200
	}
	if c.Models.Retry.BackoffFactor <= 0 {
		c.Models.Retry.BackoffFactor = 2.0
	}
	if c.Models.Retry.MaxDelayMS <= 0 {
		c.Models.Retry.MaxDelayMS = 60_000
	}
	if c.Workflow.MaxContextActions <= 0 {
		c.Workflow.MaxContextActions = 8
	}
	if c.Workflow.StepCeiling <= 0 {
		c.Workflow.StepCeiling = 200
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(configDir, ".chisel", "sessions")
	}
	if len(c.Review.UnsafeCommandGlobs) == 0 {
		c.Review.UnsafeCommandGlobs = []string{
			"rm -rf /*",
			"git push*",
			"curl*|*sh",
			"sudo *",
		}
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Repo.Path) == "" {
		return fmt.Errorf("repo.path is required")
	}
	if strings.TrimSpace(c.Models.Primary.Provider) == "" || strings.TrimSpace(c.Models.Primary.ModelName) == "" {
		return fmt.Errorf("models.primary provider and model_name are required")
	}
	switch c.Sandbox.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("sandbox.mode must be local or remote, got %q", c.Sandbox.Mode)
	}
	if c.Sandbox.Mode == "remote" && strings.TrimSpace(c.Sandbox.Image) == "" {
		return fmt.Errorf("sandbox.image is required in remote mode")
	}
	return nil
}

// Load reads, defaults, and validates the config, then loads the env file if
// one is configured (missing env files are tolerated).
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	}
	return &cfg, nil
}

// RetryPolicy converts the retry section into the llm policy, seeding jitter
// from the session id.
func (c *Config) RetryPolicy(sessionID string) llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts:    c.Models.Retry.MaxAttempts,
		InitialDelayMS: c.Models.Retry.InitialDelayMS,
		BackoffFactor:  c.Models.Retry.BackoffFactor,
		MaxDelayMS:     c.Models.Retry.MaxDelayMS,
		Jitter:         c.Models.Retry.Jitter,
		JitterSeed:     sessionID,
	}
}
