package sandbox

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/sandbox/internal/capability"
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/governor"
	"github.com/cryguy/sandbox/internal/preload"
	"github.com/cryguy/sandbox/internal/protocol"
	"github.com/cryguy/sandbox/internal/starlark"
)

// Languages accepted in Config.Language.
const (
	LanguageStarlark   = starlark.Language
	LanguageJavaScript = "js"
)

// Config is the complete worker configuration. It is loaded from YAML and
// then overridden by command-line flags.
type Config struct {
	Language string `yaml:"language"`
	Warmup   bool   `yaml:"warmup"`
	ReadyAck bool   `yaml:"ready_ack"`

	Engine       EngineSettings    `yaml:"engine"`
	Timeout      TimeoutSettings   `yaml:"timeout"`
	Capabilities capability.Config `yaml:"capabilities"`
	Preload      preload.Config    `yaml:"preload"`
	Metrics      MetricsSettings   `yaml:"metrics"`
	Log          LogSettings       `yaml:"log"`

	MaxRecordBytes int `yaml:"max_record_bytes"`
}

// EngineSettings are the per-task interpreter limits.
type EngineSettings struct {
	MaxSteps      uint64 `yaml:"max_steps"`
	MemoryLimitMB int    `yaml:"memory_limit_mb"`
	TransformJS   bool   `yaml:"transform_js"`
}

// TimeoutSettings configure the governor.
type TimeoutSettings struct {
	Default time.Duration `yaml:"default"`
	Grace   time.Duration `yaml:"grace"`
}

// MetricsSettings enable the Prometheus endpoint.
type MetricsSettings struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LogSettings configure the stderr logger.
type LogSettings struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Language: LanguageStarlark,
		Engine: EngineSettings{
			MaxSteps:      0,
			MemoryLimitMB: 256,
			TransformJS:   true,
		},
		Timeout: TimeoutSettings{
			Default: governor.DefaultTimeout,
			Grace:   governor.DefaultGrace,
		},
		Capabilities:   capability.DefaultConfig(),
		Metrics:        MetricsSettings{Namespace: "sandbox"},
		Log:            LogSettings{Level: "info"},
		MaxRecordBytes: protocol.MaxRecordBytes,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Language {
	case LanguageStarlark, LanguageJavaScript:
	default:
		errs = append(errs, fmt.Sprintf("unknown language %q", c.Language))
	}
	if c.Timeout.Default < 0 {
		errs = append(errs, "timeout.default must not be negative")
	}
	if c.Timeout.Grace < 0 {
		errs = append(errs, "timeout.grace must not be negative")
	}
	if c.Engine.MemoryLimitMB < 0 {
		errs = append(errs, "engine.memory_limit_mb must not be negative")
	}
	if c.MaxRecordBytes < 0 {
		errs = append(errs, "max_record_bytes must not be negative")
	}
	if c.Preload.LibDir != "" {
		if fi, err := os.Stat(c.Preload.LibDir); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Sprintf("preload.lib_dir %q is not a directory", c.Preload.LibDir))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) engineConfig() core.EngineConfig {
	return core.EngineConfig{
		MaxSteps:      c.Engine.MaxSteps,
		MemoryLimitMB: c.Engine.MemoryLimitMB,
		TransformJS:   c.Engine.TransformJS,
	}
}
