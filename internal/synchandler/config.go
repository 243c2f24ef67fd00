package synchandler

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the handler registry file.
//
//	tables:
//	  orders:
//	    handlers: [log, postgres]
//	    concurrency: 4
//	    skipError: true
type Config struct {
	Tables map[string]TableConfig `yaml:"tables"`
}

// TableConfig lists the handlers of one table and its policy overrides.
type TableConfig struct {
	Handlers        []string       `yaml:"handlers"`
	Concurrency     *int           `yaml:"concurrency,omitempty"`
	SkipError       *bool          `yaml:"skipError,omitempty"`
	MaxAttempts     *uint          `yaml:"maxAttempts,omitempty"`
	InitialInterval *time.Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     *time.Duration `yaml:"maxInterval,omitempty"`
}

// Factory builds a named handler for a table.
type Factory func(table string) (Handler, error)

// LoadConfig reads a registry file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handler config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a registry file.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse handler config: %w", err)
	}
	return &cfg, nil
}

// Policy applies the table overrides to base.
func (tc TableConfig) Policy(base Policy) Policy {
	p := base
	if tc.Concurrency != nil {
		p.Concurrency = *tc.Concurrency
	}
	if tc.SkipError != nil {
		p.SkipError = *tc.SkipError
	}
	if tc.MaxAttempts != nil {
		p.MaxAttempts = *tc.MaxAttempts
	}
	if tc.InitialInterval != nil {
		p.InitialInterval = *tc.InitialInterval
	}
	if tc.MaxInterval != nil {
		p.MaxInterval = *tc.MaxInterval
	}
	return p
}

// BuildRegistry creates a Registry from cfg, building each named handler
// through factories.
func BuildRegistry(cfg *Config, defaults Policy, factories map[string]Factory, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(defaults, logger)
	if cfg == nil {
		return reg, nil
	}
	for table, tc := range cfg.Tables {
		for _, name := range tc.Handlers {
			factory, ok := factories[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s for table %s", ErrUnknownHandler, name, table)
			}
			h, err := factory(table)
			if err != nil {
				return nil, fmt.Errorf("failed to build handler %s for table %s: %w", name, table, err)
			}
			if err := reg.Register(table, h); err != nil {
				return nil, err
			}
		}
		reg.SetPolicy(table, tc.Policy(defaults))
	}
	return reg, nil
}
