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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/controller"
	"github.com/zdwalter/agent-ds/internal/modeltest"
	"github.com/zdwalter/agent-ds/internal/skilltest"
	"github.com/zdwalter/agent-ds/skill"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Supervisor.ShutdownGrace = 50 * time.Millisecond
	cfg.Dispatcher.Timeout = time.Second
	return cfg
}

func newRunner(t *testing.T, cfg Config, m *modeltest.Model) (*Runner, *skilltest.Launcher) {
	t.Helper()
	l := &skilltest.Launcher{New: func(spec skill.Spec) (*skilltest.Conn, error) {
		return skilltest.NewConn("create_note", "list_notes"), nil
	}}
	r, err := New(cfg,
		WithModel(m),
		WithCatalog(skilltest.Catalog("notes", "planner")),
		WithLauncher(skill.TransportStdio, l),
	)
	require.NoError(t, err)
	return r, l
}

func newSession(t *testing.T, r *Runner) *Session {
	t.Helper()
	s, err := r.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(testConfig())
	assert.ErrorIs(t, err, ErrNoAPIKey)

	cfg := testConfig()
	cfg.Model.APIKey = "key"
	r, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, r.model)

	cfg.Dispatcher.Concurrency = -1
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSession_ControllerOnly(t *testing.T) {
	r, l := newRunner(t, testConfig(), modeltest.New())
	s := newSession(t, r)

	assert.Equal(t, []string{
		controller.ToolListAvailableSkills,
		controller.ToolListLoadedSkills,
		controller.ToolLoadSkill,
		controller.ToolUnloadSkill,
	}, s.Tools())
	assert.Equal(t, 0, l.Launches("notes"))
	assert.NotEmpty(t, s.ID())
}

func TestSession_LoadThroughConversation(t *testing.T) {
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("c1", controller.ToolLoadSkill, `{"name":"notes"}`)),
		modeltest.Calls(modeltest.Call("c2", "notes__create_note", `{"title":"groceries"}`)),
		modeltest.Reply("saved"),
	)
	r, l := newRunner(t, testConfig(), m)
	s := newSession(t, r)

	res, err := s.Ask(context.Background(), "remember groceries")
	require.NoError(t, err)
	assert.Equal(t, "saved", res.Reply)
	assert.Equal(t, 1, l.Launches("notes"))
	assert.Equal(t, []string{"create_note"}, l.Last("notes").Calls())
	assert.Contains(t, s.Tools(), "notes__create_note")

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.NotContains(t, reqs[0].System, "## Skill notes")
	assert.Contains(t, reqs[1].System, "## Skill notes")
	assert.Contains(t, reqs[1].System, "Use notes wisely.")
	assert.Len(t, reqs[0].Tools, 4)
	assert.Len(t, reqs[1].Tools, 6)
}

func TestSession_Autoload(t *testing.T) {
	cfg := testConfig()
	cfg.Skills.Autoload = []string{"notes", "missing"}
	r, l := newRunner(t, cfg, modeltest.New())
	s := newSession(t, r)

	assert.Equal(t, 1, l.Launches("notes"))
	assert.Contains(t, s.Tools(), "notes__list_notes")
	var names []string
	for _, info := range s.Skills() {
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{controller.SkillName, "notes"}, names)
}

func TestSession_Isolation(t *testing.T) {
	r, l := newRunner(t, testConfig(), modeltest.New())
	a := newSession(t, r)
	b := newSession(t, r)

	_, err := a.Load(context.Background(), "notes")
	require.NoError(t, err)
	assert.Contains(t, a.Tools(), "notes__create_note")
	assert.NotContains(t, b.Tools(), "notes__create_note")
	assert.NotEqual(t, a.ID(), b.ID())

	_, err = b.Load(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Launches("notes"))

	require.NoError(t, a.Unload("notes"))
	assert.NotContains(t, a.Tools(), "notes__create_note")
	assert.Contains(t, b.Tools(), "notes__create_note")
}

func TestSession_ResetKeepsSkills(t *testing.T) {
	r, _ := newRunner(t, testConfig(), modeltest.New(modeltest.Reply("hi")))
	s := newSession(t, r)
	_, err := s.Load(context.Background(), "notes")
	require.NoError(t, err)
	_, err = s.Ask(context.Background(), "hello")
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.Equal(t, 0, s.Engine().Session().Len())
	assert.Contains(t, s.Tools(), "notes__create_note")
}

func TestSession_CloseStopsSkills(t *testing.T) {
	r, l := newRunner(t, testConfig(), modeltest.New())
	s, err := r.NewSession(context.Background())
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "notes")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.True(t, l.Last("notes").ShutdownRequested())
}

func TestSystemPrompt(t *testing.T) {
	now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { now = time.Now }()

	cat := skilltest.Catalog("notes", "planner")
	loaded := []skill.Info{
		{Name: controller.SkillName, Builtin: true, State: skill.StateActive, Instructions: "hidden"},
		{Name: "notes", State: skill.StateActive, Instructions: "Use notes wisely.\n"},
	}
	got := systemPrompt("Answer in English.", cat, loaded)

	assert.Contains(t, got, "2025-06-01 12:00:00 UTC")
	assert.Contains(t, got, "- notes: fake skill notes [active]")
	assert.Contains(t, got, "- planner: fake skill planner\n")
	assert.Contains(t, got, "## Skill notes\nUse notes wisely.\n")
	assert.NotContains(t, got, "hidden")
	assert.True(t, strings.HasSuffix(got, "Answer in English.\n"))
	assert.Contains(t, got, controller.ToolLoadSkill)

	assert.Contains(t, systemPrompt("", skill.StaticCatalog{}, nil), "- (none)")
}
