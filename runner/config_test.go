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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/model/openai"
	"github.com/zdwalter/agent-ds/skill"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "deepseek-chat", cfg.Model.Name)
	assert.Equal(t, openai.DeepSeekBaseURL, cfg.Model.BaseURL)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
model:
  name: deepseek-reasoner
  stream: true
  timeout: 90s
dispatcher:
  concurrency: 2
  timeout: 1m30s
supervisor:
  shutdown_grace: 500ms
  reprobe_delay: 2s
engine:
  turn_budget: 5
  system: Be brief.
skills:
  dir: ./skills
  autoload: [notes]
  servers:
    - name: search
      transport: streamable
      url: http://localhost:9000/mcp
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "deepseek-reasoner", cfg.Model.Name)
	assert.Equal(t, openai.DeepSeekBaseURL, cfg.Model.BaseURL)
	assert.True(t, cfg.Model.Stream)
	assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 2, cfg.Dispatcher.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Dispatcher.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.ShutdownGrace)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.ReprobeDelay)
	assert.Equal(t, 5, cfg.Engine.TurnBudget)
	assert.Equal(t, "Be brief.", cfg.Engine.System)
	assert.Equal(t, filepath.Join(dir, "skills"), cfg.Skills.Dir)
	assert.Equal(t, []string{"notes"}, cfg.Skills.Autoload)
	require.Len(t, cfg.Skills.Servers, 1)
	assert.Equal(t, skill.TransportStreamable, cfg.Skills.Servers[0].Transport)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  timeout: soon\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	cfg := DefaultConfig()
	cfg.ApplyEnv(env(map[string]string{EnvDeepSeekAPIKey: " ds-key "}))
	assert.Equal(t, "ds-key", cfg.Model.APIKey)

	cfg = DefaultConfig()
	cfg.Model.APIKey = "from-file"
	cfg.ApplyEnv(env(map[string]string{EnvDeepSeekAPIKey: "ds-key"}))
	assert.Equal(t, "from-file", cfg.Model.APIKey)

	cfg.ApplyEnv(env(map[string]string{
		EnvAPIKey:  "agent-key",
		EnvBaseURL: "http://localhost:8080/v1",
		EnvModel:   "local",
	}))
	assert.Equal(t, "agent-key", cfg.Model.APIKey)
	assert.Equal(t, "http://localhost:8080/v1", cfg.Model.BaseURL)
	assert.Equal(t, "local", cfg.Model.Name)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Model.Name = ""
	cfg.Dispatcher.Concurrency = -1
	cfg.Engine.TurnBudget = -1
	cfg.Skills.Servers = []skill.Spec{{Name: "a"}, {Name: "a"}, {}}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"model.name", "dispatcher.concurrency", "engine.turn_budget", "duplicate skill a", "servers[2]"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "SKILL.md"), []byte(`---
name: notes
description: Keeps notes.
command: ./notes-skill
---
Use the notes.
`), 0o644))

	cfg := DefaultConfig()
	cfg.Skills.Dir = dir
	cfg.Skills.Servers = []skill.Spec{{Name: "notes", Description: "inline notes", Command: "inline"}}
	cat := cfg.catalog()

	spec, err := cat.Resolve("notes")
	require.NoError(t, err)
	assert.Equal(t, "inline", spec.Command)

	names := []string{}
	for _, s := range cat.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"notes"}, names)
}
