package config

import (
	"bytes"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/unhinged-ai/polystore/pkg/errors"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in raw YAML.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)(:-([^}]*))?\}`)

// Load reads a platform configuration from a YAML file, substitutes
// environment variable references, applies defaults, and validates.
func Load(path string) (*PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", path)
	}
	return Parse(data)
}

// Parse parses a platform configuration from raw YAML bytes.
func Parse(data []byte) (*PlatformConfig, error) {
	expanded := substituteEnvVars(data)

	cfg := &PlatformConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnvironment loads a configuration and merges the override document
// for the named environment over the base sections. Overrides are deep-merged
// via viper, then the merged settings are round-tripped through YAML into the
// typed structure.
func LoadWithEnvironment(path, environment string) (*PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", path)
	}
	expanded := substituteEnvVars(data)

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config")
	}

	if environment != "" {
		overrides := v.GetStringMap("environments." + environment)
		if len(overrides) == 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "environment %q not defined", environment)
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to merge environment overrides").
				WithDetail("environment", environment)
		}
	}

	merged, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to render merged config")
	}

	cfg := &PlatformConfig{}
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse merged config")
	}
	cfg.Environment = environment
	cfg.Environments = nil

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} references with
// environment values. Unset variables without a default expand to empty.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name := string(groups[1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if len(groups[3]) > 0 || strings.Contains(string(match), ":-") {
			return groups[3]
		}
		return []byte("")
	})
}

// applyDefaults fills zero values with sensible defaults.
func (c *PlatformConfig) applyDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}

	for name, tech := range c.Technologies {
		tech.Name = name
		if tech.Pool.MaxConns == 0 {
			tech.Pool.MaxConns = 10
		}
		if tech.Pool.MinConns == 0 {
			tech.Pool.MinConns = 1
		}
		if tech.Pool.MaxIdleTime == 0 {
			tech.Pool.MaxIdleTime = 5 * time.Minute
		}
		if tech.Pool.MaxLifetime == 0 {
			tech.Pool.MaxLifetime = time.Hour
		}
		if tech.Pool.HealthCheckPeriod == 0 {
			tech.Pool.HealthCheckPeriod = 30 * time.Second
		}
		if tech.Timeouts.Connect == 0 {
			tech.Timeouts.Connect = 10 * time.Second
		}
		if tech.Timeouts.Request == 0 {
			tech.Timeouts.Request = 30 * time.Second
		}
		if tech.Retry.Attempts == 0 {
			tech.Retry.Attempts = 3
		}
		if tech.Retry.Delay == 0 {
			tech.Retry.Delay = 100 * time.Millisecond
		}
		if tech.Retry.Multiplier == 0 {
			tech.Retry.Multiplier = 2.0
		}
		if tech.Retry.MaxDelay == 0 {
			tech.Retry.MaxDelay = 5 * time.Second
		}
		if tech.Performance.BatchSize == 0 {
			tech.Performance.BatchSize = 1000
		}
	}

	for _, op := range c.Operations {
		if op.Rollback == "" {
			op.Rollback = RollbackCompensate
		}
	}

	for _, policy := range c.Lifecycle {
		if policy.Schedule == 0 {
			policy.Schedule = time.Hour
		}
		for _, rule := range policy.Rules {
			if rule.BatchSize == 0 {
				rule.BatchSize = 500
			}
		}
	}

	if c.Monitoring.HealthInterval == 0 {
		c.Monitoring.HealthInterval = 15 * time.Second
	}
	if c.Monitoring.MetricsAddr == "" {
		c.Monitoring.MetricsAddr = ":9090"
	}
	if c.Monitoring.LogLevel == "" {
		c.Monitoring.LogLevel = "info"
	}
}
