// Package config defines cloudforge's configuration model: a viper-backed
// struct populated from CLI flags, the CLOUDFORGE_* environment, and an
// optional config file, with defaults and validation.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the complete cloudforge configuration.
type Config struct {
	Run      RunConfig      `mapstructure:"run"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// RunConfig controls the scheduler's execution loop tunables. These map
// directly onto the CLI flags described in the external interface.
type RunConfig struct {
	// MaxIterations is the hard cap on scheduler iterations before the
	// iteration-cap circuit breaker trips (default: 25).
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxPhaseRetries is the retry count at which a phase's retry_exhausted
	// transition, when it has one, is taken (default: 3). The
	// consecutive-retries circuit breaker uses its own fixed threshold.
	MaxPhaseRetries int `mapstructure:"max_phase_retries"`
	// MaxTurns is passed to the child agent as --max-turns (default: 50).
	MaxTurns int `mapstructure:"max_turns"`
	// Model is passed to the child agent as --model when non-empty.
	Model string `mapstructure:"model"`
	// WorkingDir is the directory the child agent is spawned in, and the
	// directory relative to which the artifact directory is resolved.
	// Defaults to the current working directory.
	WorkingDir string `mapstructure:"working_dir"`
	// ContinueSession resumes a prior run by child session id, skipping
	// fresh state creation.
	ContinueSession string `mapstructure:"continue_session"`
	// DryRun renders the first phase's prompt and exits without spawning
	// a child.
	DryRun bool `mapstructure:"dry_run"`
	// RateLimitWaitSeconds caps each single wait after a detected rate
	// limit or transient failure (default: 43200, 12 hours).
	RateLimitWaitSeconds int `mapstructure:"rate_limit_wait_seconds"`
	// CLIPath overrides the path to the child agent executable.
	CLIPath string `mapstructure:"cli_path"`
	// Verbose enables DEBUG-level logging and more detailed console
	// reporting.
	Verbose bool `mapstructure:"verbose"`
}

// WorkflowConfig controls where the workflow definition and prompt
// templates are loaded from.
type WorkflowConfig struct {
	// File is the path to the workflow definition (the `.dot`-like text
	// grammar described in the Workflow Definition component). Resolved
	// relative to WorkingDir if not absolute.
	File string `mapstructure:"file"`
	// TemplatesDir is the directory prompt.FileBuilder looks in for
	// `<phase>.tmpl` files. Resolved relative to WorkingDir if not
	// absolute.
	TemplatesDir string `mapstructure:"templates_dir"`
}

// LoggingConfig controls debug logging behavior.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info").
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation
	// (default: 10, 0 disables rotation).
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3).
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where cloudforge stores durable run state.
type PathsConfig struct {
	// ArtifactDirName is the hidden working-directory subdirectory holding
	// state.json, run.lock, and phase-output artifacts (default: ".cloudforge").
	ArtifactDirName string `mapstructure:"artifact_dir_name"`
}

// Default returns a Config populated with sensible default values.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			MaxIterations:        25,
			MaxPhaseRetries:      3,
			MaxTurns:             50,
			Model:                "",
			WorkingDir:           "",
			ContinueSession:      "",
			DryRun:               false,
			RateLimitWaitSeconds: 43200,
			CLIPath:              "",
			Verbose:              false,
		},
		Workflow: WorkflowConfig{
			File:         "workflow.dot",
			TemplatesDir: "templates",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			ArtifactDirName: ".cloudforge",
		},
	}
}

// SetDefaults registers default values with viper so that unset flags,
// environment variables, and config file keys all fall back consistently.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("run.max_iterations", defaults.Run.MaxIterations)
	viper.SetDefault("run.max_phase_retries", defaults.Run.MaxPhaseRetries)
	viper.SetDefault("run.max_turns", defaults.Run.MaxTurns)
	viper.SetDefault("run.model", defaults.Run.Model)
	viper.SetDefault("run.working_dir", defaults.Run.WorkingDir)
	viper.SetDefault("run.continue_session", defaults.Run.ContinueSession)
	viper.SetDefault("run.dry_run", defaults.Run.DryRun)
	viper.SetDefault("run.rate_limit_wait_seconds", defaults.Run.RateLimitWaitSeconds)
	viper.SetDefault("run.cli_path", defaults.Run.CLIPath)
	viper.SetDefault("run.verbose", defaults.Run.Verbose)

	viper.SetDefault("workflow.file", defaults.Workflow.File)
	viper.SetDefault("workflow.templates_dir", defaults.Workflow.TemplatesDir)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("paths.artifact_dir_name", defaults.Paths.ArtifactDirName)
}

// Load reads the configuration from viper into a Config struct, fills in
// WorkingDir from the current directory when unset, and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Run.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.Run.WorkingDir = wd
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ArtifactDir returns the resolved path to the artifact directory for this
// configuration's working directory.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.Run.WorkingDir, c.Paths.ArtifactDirName)
}

// WorkflowFile returns the resolved path to the workflow definition file.
func (c *Config) WorkflowFile() string {
	if filepath.IsAbs(c.Workflow.File) {
		return c.Workflow.File
	}
	return filepath.Join(c.Run.WorkingDir, c.Workflow.File)
}

// TemplatesDir returns the resolved path to the prompt templates directory.
func (c *Config) TemplatesDir() string {
	if filepath.IsAbs(c.Workflow.TemplatesDir) {
		return c.Workflow.TemplatesDir
	}
	return filepath.Join(c.Run.WorkingDir, c.Workflow.TemplatesDir)
}

// ConfigDir returns the path to the user's cloudforge config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cloudforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cloudforge-config"
	}
	return filepath.Join(home, ".config", "cloudforge")
}

// ConfigFile returns the path to the default config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
