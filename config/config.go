// Package config loads the static YAML configuration and the dynamic
// instance registry. A single typed Config value is built once at startup
// (YAML + environment overrides) and passed by read-only reference.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Mode values for request routing.
const (
	ModeLocal  = "local"
	ModeOnline = "online"
)

// Config is the effective configuration of one tier process.
type Config struct {
	Mode               string `mapstructure:"mode" yaml:"mode"`
	ProvidersServerURL string `mapstructure:"providers_server_url" yaml:"providers_server_url"`
	WorkerServerURL    string `mapstructure:"worker_server_url" yaml:"worker_server_url"`
	// StrictEnvelopes rejects unknown top-level fields on intra-system
	// envelopes. Loose mode tolerates them for forward compatibility.
	StrictEnvelopes bool `mapstructure:"strict_envelopes" yaml:"strict_envelopes"`

	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Sandbox  BackendConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Emulator EmulatorConfig `mapstructure:"emulator" yaml:"emulator"`
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Tasks    TasksConfig    `mapstructure:"tasks" yaml:"tasks"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// LLMModel names one model plus its pass-through default parameters.
type LLMModel struct {
	Name          string         `mapstructure:"name" yaml:"name"`
	DefaultParams map[string]any `mapstructure:"default_params" yaml:"default_params"`
}

// LLMModels groups the chat and vision model configs.
type LLMModels struct {
	ChatModel   LLMModel `mapstructure:"chat_model" yaml:"chat_model"`
	VisionModel LLMModel `mapstructure:"vision_model" yaml:"vision_model"`
}

// LLMConfig configures the local LLM backend.
type LLMConfig struct {
	Endpoint       string    `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string    `mapstructure:"api_key" yaml:"api_key"`
	Models         LLMModels `mapstructure:"models" yaml:"models"`
	TimeoutSeconds int       `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// BackendConfig configures a pooled non-LLM backend kind.
type BackendConfig struct {
	Endpoints      []string `mapstructure:"endpoints" yaml:"endpoints"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int      `mapstructure:"max_retries" yaml:"max_retries"`
}

// EmulatorConfig extends BackendConfig with VNC exposure.
type EmulatorConfig struct {
	Endpoints      []string `mapstructure:"endpoints" yaml:"endpoints"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int      `mapstructure:"max_retries" yaml:"max_retries"`
	VNCURLTemplate string   `mapstructure:"vnc_url_template" yaml:"vnc_url_template"`
	DefaultVNCPort int      `mapstructure:"default_vnc_port" yaml:"default_vnc_port"`
}

// ServiceConfig holds service-tier orchestration timeouts.
type ServiceConfig struct {
	WorkerTimeoutSeconds     int `mapstructure:"worker_timeout_seconds" yaml:"worker_timeout_seconds"`
	AggregatorTimeoutSeconds int `mapstructure:"aggregator_timeout_seconds" yaml:"aggregator_timeout_seconds"`
}

// WorkerConfig holds worker-tier execution knobs.
type WorkerConfig struct {
	// MaxParallelChecks caps the in-step fan-out.
	MaxParallelChecks int `mapstructure:"max_parallel_checks" yaml:"max_parallel_checks"`
	// FetchTimeoutSeconds bounds the link worker's page fetch.
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	// MaxScripts caps how many scripts the link worker analyzes per page.
	MaxScripts int `mapstructure:"max_scripts" yaml:"max_scripts"`
	// MaxScriptBytes caps the size of each analyzed artifact.
	MaxScriptBytes int `mapstructure:"max_script_bytes" yaml:"max_script_bytes"`
	// HTMLShare is the fraction of the content-analysis step weight the
	// main HTML document receives; scripts split the remainder.
	HTMLShare float64 `mapstructure:"html_share" yaml:"html_share"`
	// AccessibilityCritical fails the link worker when the page fetch
	// fails; when false the failure is recorded and analysis continues.
	AccessibilityCritical bool `mapstructure:"accessibility_critical" yaml:"accessibility_critical"`
}

// HealthProbe configures probing for one provider kind.
type HealthProbe struct {
	IntervalSeconds    int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	TimeoutSeconds     int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// HealthConfig carries the default probe settings plus per-kind overrides.
type HealthConfig struct {
	IntervalSeconds    int                    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	UnhealthyThreshold int                    `mapstructure:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	TimeoutSeconds     int                    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	PerKind            map[string]HealthProbe `mapstructure:"per_kind" yaml:"per_kind"`
}

// RegistryConfig points at the provisioner-written instance registry file.
type RegistryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TasksConfig bounds the in-memory task stores.
type TasksConfig struct {
	SoftCap int `mapstructure:"soft_cap" yaml:"soft_cap"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // DEBUG, INFO, WARNING, ERROR
}

// SlogLevel maps the configured level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the YAML document at path, applies defaults and environment
// overrides, and validates the result. Missing path loads pure defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeLocal)
	v.SetDefault("providers_server_url", "http://localhost:8003")
	v.SetDefault("worker_server_url", "http://localhost:8002")
	v.SetDefault("strict_envelopes", true)
	v.SetDefault("llm.endpoint", "http://localhost:11434")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.models.chat_model.name", "qwen2.5")
	v.SetDefault("llm.models.vision_model.name", "qwen2.5-vl")
	v.SetDefault("sandbox.timeout_seconds", 300)
	v.SetDefault("sandbox.max_retries", 1)
	v.SetDefault("emulator.timeout_seconds", 600)
	v.SetDefault("emulator.max_retries", 1)
	v.SetDefault("emulator.vnc_url_template", "vnc://{host}:{port}")
	v.SetDefault("emulator.default_vnc_port", 5900)
	v.SetDefault("service.worker_timeout_seconds", 120)
	v.SetDefault("service.aggregator_timeout_seconds", 60)
	v.SetDefault("worker.max_parallel_checks", 8)
	v.SetDefault("worker.fetch_timeout_seconds", 10)
	v.SetDefault("worker.max_scripts", 32)
	v.SetDefault("worker.max_script_bytes", 256<<10)
	v.SetDefault("worker.html_share", 0.85)
	v.SetDefault("worker.accessibility_critical", false)
	v.SetDefault("health.interval_seconds", 30)
	v.SetDefault("health.unhealthy_threshold", 3)
	v.SetDefault("health.timeout_seconds", 5)
	v.SetDefault("tasks.soft_cap", 10000)
	v.SetDefault("logging.level", "INFO")
}

// applyEnvOverrides applies the recognized environment variables on top of
// the loaded document.
func applyEnvOverrides(cfg *Config) {
	if u := os.Getenv("PROVIDER_SERVER_URL"); u != "" {
		cfg.ProvidersServerURL = u
	}
	if u := os.Getenv("WORKER_SERVER_URL"); u != "" {
		cfg.WorkerServerURL = u
	}
}

// Validate rejects configurations the tiers cannot start with.
func (c *Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeOnline {
		return errors.Errorf("mode must be %q or %q, got %q", ModeLocal, ModeOnline, c.Mode)
	}
	for name, raw := range map[string]string{
		"providers_server_url": c.ProvidersServerURL,
		"worker_server_url":    c.WorkerServerURL,
		"llm.endpoint":         c.LLM.Endpoint,
	} {
		if raw == "" {
			return errors.Errorf("%s must be set", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("%s is not a valid URL: %q", name, raw)
		}
	}
	if c.Service.WorkerTimeoutSeconds <= 0 || c.Service.AggregatorTimeoutSeconds <= 0 {
		return errors.New("service timeouts must be positive")
	}
	if c.Health.IntervalSeconds <= 0 || c.Health.UnhealthyThreshold <= 0 {
		return errors.New("health probe settings must be positive")
	}
	return nil
}

// ProbeFor returns the effective probe settings for a provider kind,
// applying any per-kind override on top of the defaults.
func (c *Config) ProbeFor(kind string) HealthProbe {
	probe := HealthProbe{
		IntervalSeconds:    c.Health.IntervalSeconds,
		UnhealthyThreshold: c.Health.UnhealthyThreshold,
		TimeoutSeconds:     c.Health.TimeoutSeconds,
	}
	override, ok := c.Health.PerKind[kind]
	if !ok {
		return probe
	}
	if override.IntervalSeconds > 0 {
		probe.IntervalSeconds = override.IntervalSeconds
	}
	if override.UnhealthyThreshold > 0 {
		probe.UnhealthyThreshold = override.UnhealthyThreshold
	}
	if override.TimeoutSeconds > 0 {
		probe.TimeoutSeconds = override.TimeoutSeconds
	}
	return probe
}

// Sanitized returns the configuration as a generic document with secrets
// redacted, suitable for the worker tier's /configs endpoint.
func (c *Config) Sanitized() (map[string]any, error) {
	redacted := *c
	if redacted.LLM.APIKey != "" {
		redacted.LLM.APIKey = "***"
	}
	raw, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, errors.Wrap(err, "marshal sanitized config")
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal sanitized config")
	}
	return out, nil
}
