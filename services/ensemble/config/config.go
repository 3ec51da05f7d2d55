// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ensemble host configuration.
//
// # Description
//
// Load applies three layers, later layers winning:
//
//	defaults -> file (YAML, JSON fallback) -> ENSEMBLE_* environment
//
// and then validates the result. Watcher reloads the file when it
// changes so reward and collapse weights can be retuned without a
// restart.
//
// # Thread Safety
//
// Config values are plain data; copy before mutating.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnsemble/pkg/logging"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/agents/scripted"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/checkpoint"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/collapse"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/cost"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/feedback"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/orchestrator"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENSEMBLE_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// RoutingConfig groups the router and its learned policy.
type RoutingConfig struct {
	Router routing.RouterConfig `yaml:"router" json:"router"`
	Policy routing.PolicyConfig `yaml:"policy" json:"policy"`
}

// Config is the full host configuration.
type Config struct {
	Service      ensemble.Config     `yaml:"service" json:"service"`
	HTTP         ensemble.HTTPConfig `yaml:"http" json:"http"`
	Logging      logging.Config      `yaml:"logging" json:"logging"`
	Cost         cost.Config         `yaml:"cost" json:"cost"`
	Routing      RoutingConfig       `yaml:"routing" json:"routing"`
	Orchestrator orchestrator.Config `yaml:"orchestrator" json:"orchestrator"`
	Collapse     collapse.Weights    `yaml:"collapse" json:"collapse"`
	Feedback     feedback.Config     `yaml:"feedback" json:"feedback"`
	Checkpoint   checkpoint.Config   `yaml:"checkpoint" json:"checkpoint"`
	Telemetry    telemetry.Config    `yaml:"telemetry" json:"telemetry"`

	// Agents are the scripted agents registered at startup.
	Agents []scripted.Config `yaml:"agents" json:"agents" validate:"dive"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service:      ensemble.DefaultConfig(),
		HTTP:         ensemble.DefaultHTTPConfig(),
		Logging:      logging.DefaultConfig(),
		Cost:         cost.DefaultConfig(),
		Routing:      RoutingConfig{Router: routing.DefaultRouterConfig(), Policy: routing.DefaultPolicyConfig()},
		Orchestrator: orchestrator.DefaultConfig(),
		Collapse:     collapse.DefaultWeights(),
		Feedback:     feedback.DefaultConfig(),
		Checkpoint:   checkpoint.DefaultConfig(),
		Telemetry:    telemetry.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the optional file at path and the
// environment.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: A read or parse failure, or a wrapped ErrInvalidConfig. A
//     missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overlays ENSEMBLE_* variables. Unparseable values are ignored.
func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v := getenv(EnvPrefix + name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	integer := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Service
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	float("RATE_LIMIT", &cfg.Service.RateLimit)
	integer("BURST", &cfg.Service.Burst)
	duration("TASK_TIMEOUT", &cfg.Service.TaskTimeout)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_DIR", &cfg.Logging.LogDir)

	// Engine
	duration("ESTIMATE_TIMEOUT", &cfg.Cost.Timeout)
	duration("POLICY_TIMEOUT", &cfg.Routing.Router.Timeout)
	if v := getenv(EnvPrefix + "MIN_TRAINING_SAMPLES"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Routing.Router.MinTrainingSamples = i
		}
	}
	if v := getenv(EnvPrefix + "POLICY_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Routing.Policy.Seed = u
		}
	}
	if v := getenv(EnvPrefix + "MAX_IN_FLIGHT"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Orchestrator.MaxInFlight = i
		}
	}
	boolean("CIRCUIT_BREAKER_ENABLED", &cfg.Orchestrator.CircuitBreaker.Enabled)

	// Checkpoint
	str("CHECKPOINT_BACKEND", &cfg.Checkpoint.Backend)
	duration("CHECKPOINT_INTERVAL", &cfg.Checkpoint.Interval)
	str("BADGER_PATH", &cfg.Checkpoint.Badger.Path)
	str("GCS_BUCKET", &cfg.Checkpoint.GCS.Bucket)
	str("GCS_PREFIX", &cfg.Checkpoint.GCS.Prefix)
	str("GCS_CREDENTIALS_FILE", &cfg.Checkpoint.GCS.CredentialsFile)

	// Telemetry
	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	float("TRACE_SAMPLE_RATIO", &cfg.Telemetry.SampleRatio)
	boolean("INFLUX_ENABLED", &cfg.Telemetry.Influx.Enabled)
	str("INFLUX_URL", &cfg.Telemetry.Influx.URL)
	str("INFLUX_TOKEN", &cfg.Telemetry.Influx.Token)
	str("INFLUX_ORG", &cfg.Telemetry.Influx.Org)
	str("INFLUX_BUCKET", &cfg.Telemetry.Influx.Bucket)
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	if err := c.Collapse.Validate(); err != nil {
		return fmt.Errorf("%w: collapse: %v", ErrInvalidConfig, err)
	}
	if err := c.Feedback.Reward.Validate(); err != nil {
		return fmt.Errorf("%w: feedback.reward: %v", ErrInvalidConfig, err)
	}
	if c.Routing.Policy.EpsilonMin > c.Routing.Policy.EpsilonStart {
		return fmt.Errorf("%w: routing.policy.epsilon_min exceeds epsilon_start", ErrInvalidConfig)
	}
	switch c.Checkpoint.Backend {
	case checkpoint.BackendBadger:
		if !c.Checkpoint.Badger.InMemory && c.Checkpoint.Badger.Path == "" {
			return fmt.Errorf("%w: checkpoint.badger.path is required", ErrInvalidConfig)
		}
	case checkpoint.BackendGCS:
		if c.Checkpoint.GCS.Bucket == "" {
			return fmt.Errorf("%w: checkpoint.gcs.bucket is required", ErrInvalidConfig)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalidConfig, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// describe flattens validator errors into "field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
