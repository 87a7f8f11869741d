// ABOUTME: Loads assay.yaml into Config. A missing file yields defaults and absent fields keep theirs.
// ABOUTME: CLI flags override loaded values by mutating the returned struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/assay/sandbox"
	"github.com/2389-research/assay/workflow"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "assay.yaml"

// Default values.
const (
	DefaultAddr           = "127.0.0.1:8000"
	DefaultUploadsDir     = "uploads"
	DefaultMaxUploadBytes = 100 << 20
	DefaultInterpreter    = "python3"
	DefaultLLMMaxRetries  = 2
)

// Config is the whole assay configuration.
type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Executor ExecutorConfig
	Workflow workflow.Limits
	Metrics  MetricsConfig
}

// ServerConfig configures storage locations and the HTTP listener.
type ServerConfig struct {
	Addr       string
	UploadsDir string
	// DataDir holds the run history database. Empty means the XDG data dir.
	DataDir        string
	LogFile        string
	MaxUploadBytes int64
}

// LLMConfig selects the planner's model. An empty Provider picks the first
// provider with an API key in the environment; an empty Model picks that
// provider's default.
type LLMConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	Temperature *float64
	MaxRetries  int
}

// ExecutorConfig configures the local code executor.
type ExecutorConfig struct {
	Interpreter string
	// InstallCommand is split on whitespace; nil keeps the executor default
	// and an empty list disables installation.
	InstallCommand []string
	Timeout        time.Duration
	InstallTimeout time.Duration
	EnvPolicy      sandbox.EnvPolicy
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// Defaults returns a Config populated with defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:           DefaultAddr,
			UploadsDir:     DefaultUploadsDir,
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
		LLM: LLMConfig{MaxRetries: DefaultLLMMaxRetries},
		Executor: ExecutorConfig{
			Interpreter:    DefaultInterpreter,
			Timeout:        sandbox.DefaultTimeout,
			InstallTimeout: sandbox.DefaultInstallTimeout,
			EnvPolicy:      sandbox.EnvPolicyInheritCore,
		},
		Workflow: workflow.DefaultLimits(),
		Metrics:  MetricsConfig{Enabled: true},
	}
}

// partialConfig distinguishes an absent field (nil) from one explicitly set
// to its zero value.
type partialConfig struct {
	Server *struct {
		Addr           *string `yaml:"addr"`
		UploadsDir     *string `yaml:"uploads_dir"`
		DataDir        *string `yaml:"data_dir"`
		LogFile        *string `yaml:"log_file"`
		MaxUploadBytes *int64  `yaml:"max_upload_bytes"`
	} `yaml:"server"`
	LLM *struct {
		Provider    *string  `yaml:"provider"`
		Model       *string  `yaml:"model"`
		BaseURL     *string  `yaml:"base_url"`
		Temperature *float64 `yaml:"temperature"`
		MaxRetries  *int     `yaml:"max_retries"`
	} `yaml:"llm"`
	Executor *struct {
		Interpreter    *string `yaml:"interpreter"`
		InstallCommand *string `yaml:"install_command"`
		Timeout        *string `yaml:"timeout"`
		InstallTimeout *string `yaml:"install_timeout"`
		EnvPolicy      *string `yaml:"env_policy"`
	} `yaml:"executor"`
	Workflow *struct {
		PlanningAttempts    *int  `yaml:"planning_attempts"`
		ExecutionRetries    *int  `yaml:"execution_retries"`
		AnalysisAttempts    *int  `yaml:"analysis_attempts"`
		FinalStageRetries   *int  `yaml:"final_stage_retries"`
		DigestWords         *int  `yaml:"digest_words"`
		RequireDataArtifact *bool `yaml:"require_data_artifact"`
	} `yaml:"workflow"`
	Metrics *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Load reads the config at path. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := Parse(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Parse overlays the YAML document in data onto cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	var p partialConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return err
	}

	if s := p.Server; s != nil {
		setString(&cfg.Server.Addr, s.Addr)
		setString(&cfg.Server.UploadsDir, s.UploadsDir)
		setString(&cfg.Server.DataDir, s.DataDir)
		setString(&cfg.Server.LogFile, s.LogFile)
		if s.MaxUploadBytes != nil {
			cfg.Server.MaxUploadBytes = *s.MaxUploadBytes
		}
	}

	if l := p.LLM; l != nil {
		setString(&cfg.LLM.Provider, l.Provider)
		setString(&cfg.LLM.Model, l.Model)
		setString(&cfg.LLM.BaseURL, l.BaseURL)
		if l.Temperature != nil {
			t := *l.Temperature
			cfg.LLM.Temperature = &t
		}
		if l.MaxRetries != nil {
			cfg.LLM.MaxRetries = *l.MaxRetries
		}
	}

	if e := p.Executor; e != nil {
		setString(&cfg.Executor.Interpreter, e.Interpreter)
		if e.InstallCommand != nil {
			cfg.Executor.InstallCommand = strings.Fields(*e.InstallCommand)
		}
		if err := setDuration(&cfg.Executor.Timeout, e.Timeout, "executor.timeout"); err != nil {
			return err
		}
		if err := setDuration(&cfg.Executor.InstallTimeout, e.InstallTimeout, "executor.install_timeout"); err != nil {
			return err
		}
		if e.EnvPolicy != nil {
			policy, err := sandbox.ParseEnvPolicy(*e.EnvPolicy)
			if err != nil {
				return fmt.Errorf("executor.env_policy: %w", err)
			}
			cfg.Executor.EnvPolicy = policy
		}
	}

	if w := p.Workflow; w != nil {
		setInt(&cfg.Workflow.PlanningAttempts, w.PlanningAttempts)
		setInt(&cfg.Workflow.ExecutionRetries, w.ExecutionRetries)
		setInt(&cfg.Workflow.AnalysisAttempts, w.AnalysisAttempts)
		setInt(&cfg.Workflow.FinalStageRetries, w.FinalStageRetries)
		setInt(&cfg.Workflow.DigestWords, w.DigestWords)
		if w.RequireDataArtifact != nil {
			cfg.Workflow.RequireDataArtifact = *w.RequireDataArtifact
		}
	}

	if m := p.Metrics; m != nil && m.Enabled != nil {
		cfg.Metrics.Enabled = *m.Enabled
	}

	return cfg.Validate()
}

// Validate rejects values the workflow cannot run with.
func (c *Config) Validate() error {
	var errs []error
	w := c.Workflow
	if w.PlanningAttempts < 1 {
		errs = append(errs, fmt.Errorf("workflow.planning_attempts must be at least 1, got %d", w.PlanningAttempts))
	}
	if w.AnalysisAttempts < 1 {
		errs = append(errs, fmt.Errorf("workflow.analysis_attempts must be at least 1, got %d", w.AnalysisAttempts))
	}
	if w.ExecutionRetries < 0 {
		errs = append(errs, fmt.Errorf("workflow.execution_retries must not be negative, got %d", w.ExecutionRetries))
	}
	if w.FinalStageRetries < 0 {
		errs = append(errs, fmt.Errorf("workflow.final_stage_retries must not be negative, got %d", w.FinalStageRetries))
	}
	if w.DigestWords < 1 {
		errs = append(errs, fmt.Errorf("workflow.digest_words must be at least 1, got %d", w.DigestWords))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.timeout must be positive"))
	}
	if c.Executor.InstallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.install_timeout must be positive"))
	}
	if c.Server.UploadsDir == "" {
		errs = append(errs, fmt.Errorf("server.uploads_dir must not be empty"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries must not be negative, got %d", c.LLM.MaxRetries))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, field string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
