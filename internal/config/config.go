// internal/config/config.go
//
// This package handles configuration and the .waymark directory structure.
// Every project that uses waymark gets a .waymark/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// WaymarkDir is the name of the directory we create in each project
	WaymarkDir = ".waymark"

	// ReviewerEnv overrides quality_gate.reviewer.
	ReviewerEnv = "WAYMARK_REVIEWER"

	defaultReviewer       = "claude"
	defaultMaxInlineFiles = 5
	defaultMaxAttempts    = 3
	defaultLogLevel       = "info"
)

// Quality gate modes.
const (
	// ModeExternal runs the configured reviewer process.
	ModeExternal = "external"
	// ModeSelfReview hands review instructions back to the agent.
	ModeSelfReview = "self_review"
	// ModeDisabled skips quality gating entirely.
	ModeDisabled = "disabled"
)

const defaultProjectConfigYAML = `# waymark project configuration
version: 1

# Extra directories searched for jobs, after .waymark/jobs.
# jobs_dirs:
#   - ../shared-jobs

quality_gate:
  # external | self_review | disabled
  mode: external
  # claude runs the claude CLI; command runs the argv below.
  reviewer: claude
  # command: ["./scripts/review.sh"]
  max_inline_files: 5
  max_attempts: 3

log_level: info
`

// QualityGateConfig controls how step reviews are enforced.
type QualityGateConfig struct {
	Mode           string   `yaml:"mode"`
	Reviewer       string   `yaml:"reviewer"`
	Command        []string `yaml:"command,omitempty"`
	MaxInlineFiles int      `yaml:"max_inline_files"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// ProjectConfig models .waymark/config.yaml.
type ProjectConfig struct {
	Version     int               `yaml:"version"`
	JobsDirs    []string          `yaml:"jobs_dirs,omitempty"`
	QualityGate QualityGateConfig `yaml:"quality_gate"`
	LogLevel    string            `yaml:"log_level"`
}

// Config holds the runtime configuration for waymark.
type Config struct {
	// ProjectDir is the directory where the user ran `waymark` from
	ProjectDir string

	// WaymarkProjectDir is ProjectDir/.waymark
	WaymarkProjectDir string

	Project ProjectConfig
}

// InitProjectDir creates the .waymark directory structure in the given project directory.
//
// Structure created:
// .waymark/
// ├── jobs/       <- Job definitions, one directory per job
// ├── sessions/   <- One JSON file per workflow session
// ├── logs/       <- waymark.log and the workflow journal
// ├── tmp/        <- Self-review instruction documents
// └── config.yaml
func InitProjectDir(projectDir string) error {
	waymarkDir := filepath.Join(projectDir, WaymarkDir)
	dirs := []string{
		filepath.Join(waymarkDir, "jobs"),
		filepath.Join(waymarkDir, "sessions"),
		filepath.Join(waymarkDir, "logs"),
		filepath.Join(waymarkDir, "tmp"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(waymarkDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:        abs,
		WaymarkProjectDir: filepath.Join(abs, WaymarkDir),
		Project:           defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if reviewer := strings.TrimSpace(os.Getenv(ReviewerEnv)); reviewer != "" {
		cfg.Project.QualityGate.Reviewer = strings.ToLower(reviewer)
	}
	return cfg, nil
}

// JobsDir returns the project's job library directory
func (c *Config) JobsDir() string {
	return filepath.Join(c.WaymarkProjectDir, "jobs")
}

// JobDirs returns every directory searched for jobs, project jobs first.
func (c *Config) JobDirs() []string {
	return append([]string{c.JobsDir()}, c.Project.JobsDirs...)
}

// SessionsDir returns the path to the per-session JSON files
func (c *Config) SessionsDir() string {
	return filepath.Join(c.WaymarkProjectDir, "sessions")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.WaymarkProjectDir, "logs")
}

// JournalPath returns the workflow journal file
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journal.log")
}

// TmpDir returns the directory for generated review documents
func (c *Config) TmpDir() string {
	return filepath.Join(c.WaymarkProjectDir, "tmp")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.WaymarkProjectDir, "config.yaml")
}

// QualityGate returns the quality gate settings.
func (c *Config) QualityGate() QualityGateConfig {
	return c.Project.QualityGate
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		QualityGate: QualityGateConfig{
			Mode:           ModeExternal,
			Reviewer:       defaultReviewer,
			MaxInlineFiles: defaultMaxInlineFiles,
			MaxAttempts:    defaultMaxAttempts,
		},
		LogLevel: defaultLogLevel,
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.QualityGate.MaxInlineFiles <= 0 {
		pc.QualityGate.MaxInlineFiles = defaultMaxInlineFiles
	}
	if pc.QualityGate.MaxAttempts <= 0 {
		pc.QualityGate.MaxAttempts = defaultMaxAttempts
	}
	if strings.TrimSpace(pc.LogLevel) == "" {
		pc.LogLevel = defaultLogLevel
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.QualityGate.Mode = normalizeValue(pc.QualityGate.Mode)
	if pc.QualityGate.Mode == "" {
		pc.QualityGate.Mode = ModeExternal
	}
	pc.QualityGate.Reviewer = normalizeValue(pc.QualityGate.Reviewer)
	if pc.QualityGate.Reviewer == "" {
		pc.QualityGate.Reviewer = defaultReviewer
	}
	pc.LogLevel = normalizeValue(pc.LogLevel)
	dirs := pc.JobsDirs[:0]
	for _, dir := range pc.JobsDirs {
		if resolved := resolvePath(base, dir); resolved != "" {
			dirs = append(dirs, resolved)
		}
	}
	pc.JobsDirs = dirs
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.QualityGate.Mode {
	case ModeExternal, ModeSelfReview, ModeDisabled:
	default:
		return fmt.Errorf("quality_gate.mode must be %q, %q or %q", ModeExternal, ModeSelfReview, ModeDisabled)
	}
	if pc.QualityGate.Mode == ModeExternal && pc.QualityGate.Reviewer == "command" && len(pc.QualityGate.Command) == 0 {
		return fmt.Errorf("quality_gate.command is required for the command reviewer in external mode")
	}
	return nil
}

func normalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
