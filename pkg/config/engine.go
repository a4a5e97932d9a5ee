package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opsautomator/opsautomator/pkg/credentials"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/stores"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// EngineConfig is the configuration of an ops automator process.
type EngineConfig struct {
	// Stack names the deployment; used as the service name in telemetry.
	Stack string `yaml:"stack" validate:"required"`

	// Account is the account the engine runs in.
	Account string `yaml:"account" validate:"required,len=12,numeric"`

	// Partition of the account, "aws" by default.
	Partition string `yaml:"partition" validate:"omitempty,oneof=aws aws-cn aws-us-gov"`

	// DefaultRoleName is assumed in target accounts without an explicit role.
	DefaultRoleName string `yaml:"default_role_name"`

	// Regions are used for tasks that name none.
	Regions []string `yaml:"regions" validate:"dive,required"`

	// Retry holds per-service retry policies.
	Retry map[string]retry.Policy `yaml:"retry" validate:"dive"`

	// ServiceLimits caps concurrent invocations per service.
	ServiceLimits map[string]int `yaml:"service_limits" validate:"dive,gt=0"`

	Dispatcher DispatcherSettings `yaml:"dispatcher"`
	Store      stores.Config      `yaml:"store"`
	Tasks      TaskSourceConfig   `yaml:"tasks"`
	Triggers   *QueueConfig       `yaml:"triggers,omitempty"`
	Telemetry  *telemetry.Config  `yaml:"telemetry,omitempty"`
}

// DispatcherSettings tunes the dispatcher.
type DispatcherSettings struct {
	SelectParallelism int           `yaml:"select_parallelism" validate:"gte=0"`
	PollParallelism   int           `yaml:"poll_parallelism" validate:"gte=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	DefaultTimeout    time.Duration `yaml:"default_timeout" validate:"gte=0"`

	// Retention of finished invocations in the store. Zero keeps them.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// TaskSourceConfig selects where task definitions come from.
type TaskSourceConfig struct {
	// Path is a task file or a directory of task files.
	Path string `yaml:"path" validate:"required_without=Table"`

	// Watch reloads file tasks on change.
	Watch bool `yaml:"watch"`

	// Table reads tasks from a DynamoDB table instead.
	Table *TableConfig `yaml:"table,omitempty"`
}

// DefaultEngineConfig returns an engine configuration with defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Stack:     "ops-automator",
		Partition: credentials.DefaultPartition,
		Dispatcher: DispatcherSettings{
			SelectParallelism: 8,
			PollParallelism:   10,
			PollInterval:      time.Minute,
			DefaultTimeout:    engine.DefaultCompletionTimeout,
			Retention:         7 * 24 * time.Hour,
		},
		Store: stores.Config{Path: "ops-automator.db"},
	}
}

// LoadEngineConfig reads and validates an engine configuration file.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}
	return ParseEngineConfig(data)
}

// ParseEngineConfig parses and validates an engine configuration.
// Unset values take their defaults.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewConfigurationError("invalid engine config", err).WithCode(engine.ErrCodeValidation)
	}
	for service, p := range c.Retry {
		if err := p.Validate(); err != nil {
			return engine.NewConfigurationError("invalid retry policy for "+service, err).WithCode(engine.ErrCodeValidation)
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return engine.NewConfigurationError("invalid telemetry config", err).WithCode(engine.ErrCodeValidation)
		}
	}
	return nil
}

// RetryPolicy returns the retry policy of service, or the default.
func (c *EngineConfig) RetryPolicy(service string) retry.Policy {
	if p, ok := c.Retry[service]; ok {
		return p.WithDefaults()
	}
	return retry.DefaultPolicy()
}

// DispatcherConfig returns the dispatcher configuration.
func (c *EngineConfig) DispatcherConfig() engine.DispatcherConfig {
	return engine.DispatcherConfig{
		OwnAccount:        c.Account,
		Regions:           c.Regions,
		ServiceLimits:     c.ServiceLimits,
		SelectParallelism: c.Dispatcher.SelectParallelism,
		PollParallelism:   c.Dispatcher.PollParallelism,
		DefaultTimeout:    c.Dispatcher.DefaultTimeout,
	}
}

// ResolverConfig returns the cross-account session resolver configuration.
func (c *EngineConfig) ResolverConfig() credentials.ResolverConfig {
	return credentials.ResolverConfig{
		OwnAccount:      c.Account,
		DefaultRoleName: c.DefaultRoleName,
		Partition:       c.Partition,
		SessionName:     c.Stack,
	}
}

var validate = validator.New()
