//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zdwalter/agent-ds/conversation"
	"github.com/zdwalter/agent-ds/dispatch"
	"github.com/zdwalter/agent-ds/model/openai"
	"github.com/zdwalter/agent-ds/skill"
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIKey         = "AGENTDS_API_KEY"
	EnvDeepSeekAPIKey = "DEEPSEEK_API_KEY"
	EnvBaseURL        = "AGENTDS_BASE_URL"
	EnvModel          = "AGENTDS_MODEL"
	EnvConfig         = "AGENTDS_CONFIG"
)

const defaultModelName = "deepseek-chat"

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("no model API key configured")

// Config is the configuration of a Runner.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Model      ModelConfig      `yaml:"model"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Engine     EngineConfig     `yaml:"engine"`
	Skills     SkillsConfig     `yaml:"skills"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Stream  bool   `yaml:"stream"`
	// Timeout bounds one HTTP exchange with the backend. Zero means none.
	Timeout     time.Duration `yaml:"timeout"`
	Temperature *float64      `yaml:"temperature,omitempty"`
	MaxTokens   *int          `yaml:"max_tokens,omitempty"`
}

// DispatcherConfig configures tool call execution.
type DispatcherConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SupervisorConfig configures skill process management.
type SupervisorConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ReprobeDelay     time.Duration `yaml:"reprobe_delay"`
	MaxRestarts      int           `yaml:"max_restarts"`
	MaxQueue         int           `yaml:"max_queue"`
}

// EngineConfig configures the conversation loop.
type EngineConfig struct {
	TurnBudget int `yaml:"turn_budget"`
	// System is added to the generated system instruction.
	System string `yaml:"system"`
}

// SkillsConfig tells where skills come from.
type SkillsConfig struct {
	// Dir holds one <name>/SKILL.md directory per skill.
	Dir string `yaml:"dir"`
	// Python runs server.py skills.
	Python string `yaml:"python"`
	// Servers declares skills inline. They take precedence over Dir.
	Servers []skill.Spec `yaml:"servers"`
	// Autoload names skills loaded when a session starts.
	Autoload []string `yaml:"autoload"`
}

// TelemetryConfig enables OTLP export. Empty endpoints disable it.
type TelemetryConfig struct {
	TracesEndpoint  string `yaml:"traces_endpoint"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// Protocol is "grpc" or "http" for traces.
	Protocol string `yaml:"protocol"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Model: ModelConfig{
			Name:    defaultModelName,
			BaseURL: openai.DeepSeekBaseURL,
		},
		Dispatcher: DispatcherConfig{
			Concurrency: dispatch.DefaultConcurrency,
			Timeout:     dispatch.DefaultTimeout,
		},
		Supervisor: SupervisorConfig{
			HandshakeTimeout: 10 * time.Second,
			ShutdownGrace:    3 * time.Second,
			ProbeTimeout:     5 * time.Second,
			ReprobeDelay:     time.Second,
			MaxQueue:         8,
		},
		Engine: EngineConfig{TurnBudget: conversation.DefaultTurnBudget},
		Skills: SkillsConfig{Dir: "skills"},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file is an
// error unless path is empty, in which case the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	// Relative skill directories are taken from the config file's location.
	if cfg.Skills.Dir != "" && !filepath.IsAbs(cfg.Skills.Dir) {
		cfg.Skills.Dir = filepath.Join(filepath.Dir(path), cfg.Skills.Dir)
	}
	return cfg, nil
}

// ApplyEnv overrides the model settings from the environment. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}
	if v := get(EnvDeepSeekAPIKey); v != "" && c.Model.APIKey == "" {
		c.Model.APIKey = v
	}
	if v := get(EnvAPIKey); v != "" {
		c.Model.APIKey = v
	}
	if v := get(EnvBaseURL); v != "" {
		c.Model.BaseURL = v
	}
	if v := get(EnvModel); v != "" {
		c.Model.Name = v
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Dispatcher.Concurrency < 0 {
		errs = append(errs, errors.New("dispatcher.concurrency must not be negative"))
	}
	if c.Dispatcher.Timeout < 0 {
		errs = append(errs, errors.New("dispatcher.timeout must not be negative"))
	}
	if c.Engine.TurnBudget < 0 {
		errs = append(errs, errors.New("engine.turn_budget must not be negative"))
	}
	seen := map[string]bool{}
	for i, s := range c.Skills.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("skills.servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("skills.servers[%d]: duplicate skill %s", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// catalog builds the skill catalog the configuration describes.
func (c *Config) catalog() skill.Catalog {
	var cats skill.MultiCatalog
	if len(c.Skills.Servers) > 0 {
		static := skill.StaticCatalog{}
		for _, s := range c.Skills.Servers {
			static[s.Name] = s
		}
		cats = append(cats, static)
	}
	if c.Skills.Dir != "" {
		cats = append(cats, &skill.DirCatalog{Dir: c.Skills.Dir, Python: c.Skills.Python})
	}
	return cats
}
