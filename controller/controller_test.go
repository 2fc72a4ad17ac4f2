//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package controller_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/controller"
	"github.com/zdwalter/agent-ds/dispatch"
	"github.com/zdwalter/agent-ds/internal/skilltest"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/supervisor"
	"github.com/zdwalter/agent-ds/tool"
)

type env struct {
	sup  *supervisor.Supervisor
	reg  *registry.Registry
	disp *dispatch.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{reg: registry.New()}
	e.sup = supervisor.New(skilltest.Catalog("notes", "planner"), supervisor.WithShutdownGrace(50*time.Millisecond))
	e.sup.RegisterLauncher(skill.TransportStdio, &skilltest.Launcher{New: func(spec skill.Spec) (*skilltest.Conn, error) {
		switch spec.Name {
		case "notes":
			return skilltest.NewConn("create_note", "list_notes"), nil
		default:
			return skilltest.NewConn("init_planning"), nil
		}
	}})
	e.sup.AddListener(e.reg)

	ctl := controller.New(e.sup, e.reg)
	_, err := e.sup.LoadBuiltin(context.Background(), ctl.Spec(), ctl)
	require.NoError(t, err)

	e.disp, err = dispatch.New(e.reg, e.sup)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.disp.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.sup.Close(ctx)
	})
	return e
}

func (e *env) call(t *testing.T, name string, args map[string]any) tool.Result {
	t.Helper()
	return e.disp.Dispatch(context.Background(), tool.Request{ID: "c-" + name, Tool: name, Arguments: args})
}

func TestControllerToolsAreRegisteredUnqualified(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, []string{
		controller.ToolListAvailableSkills,
		controller.ToolListLoadedSkills,
		controller.ToolLoadSkill,
		controller.ToolUnloadSkill,
	}, e.reg.CurrentSchema().Names())
}

func TestLoadSkillExtendsSchema(t *testing.T) {
	e := newEnv(t)
	before := e.reg.CurrentSchema().Len()

	res := e.call(t, controller.ToolLoadSkill, map[string]any{"name": "notes"})
	require.True(t, res.OK(), res.Content())

	var got controller.LoadResult
	require.NoError(t, json.Unmarshal([]byte(res.Payload), &got))
	assert.Equal(t, "notes", got.Skill)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, []string{"notes__create_note", "notes__list_notes"}, got.Tools)
	assert.Equal(t, "Use notes wisely.", got.Instructions)
	assert.Equal(t, before+2, e.reg.CurrentSchema().Len())

	res = e.call(t, "notes__create_note", map[string]any{"title": "x"})
	assert.True(t, res.OK(), res.Content())
}

func TestLoadSkillTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.call(t, controller.ToolLoadSkill, map[string]any{"name": "notes"}).OK())
	v := e.reg.CurrentSchema().Version()
	require.True(t, e.call(t, controller.ToolLoadSkill, map[string]any{"name": "notes"}).OK())
	assert.Equal(t, v, e.reg.CurrentSchema().Version())
}

func TestLoadUnknownSkill(t *testing.T) {
	e := newEnv(t)
	before := e.reg.CurrentSchema().Names()
	res := e.call(t, controller.ToolLoadSkill, map[string]any{"name": "ghost"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindSkillNotFound, res.Failure.Kind)
	assert.Equal(t, before, e.reg.CurrentSchema().Names())
}

func TestLoadSkillRequiresName(t *testing.T) {
	e := newEnv(t)
	res := e.call(t, controller.ToolLoadSkill, map[string]any{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindInvalidArguments, res.Failure.Kind)
}

func TestUnloadSkillWithdrawsTools(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.call(t, controller.ToolLoadSkill, map[string]any{"name": "notes"}).OK())

	res := e.call(t, controller.ToolUnloadSkill, map[string]any{"name": "notes"})
	require.True(t, res.OK(), res.Content())
	_, ok := e.reg.Lookup("notes__create_note")
	assert.False(t, ok)

	res = e.call(t, "notes__create_note", map[string]any{"title": "x"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindUnknownTool, res.Failure.Kind)
}

func TestUnloadSkillNotLoaded(t *testing.T) {
	e := newEnv(t)
	res := e.call(t, controller.ToolUnloadSkill, map[string]any{"name": "planner"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindSkillNotLoaded, res.Failure.Kind)
}

func TestControllerCannotUnloadItself(t *testing.T) {
	e := newEnv(t)
	res := e.call(t, controller.ToolUnloadSkill, map[string]any{"name": controller.SkillName})
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindToolError, res.Failure.Kind)
	_, ok := e.reg.Lookup(controller.ToolLoadSkill)
	assert.True(t, ok)
}

func TestListSkills(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.call(t, controller.ToolLoadSkill, map[string]any{"name": "planner"}).OK())

	res := e.call(t, controller.ToolListLoadedSkills, nil)
	require.True(t, res.OK(), res.Content())
	var loaded []controller.SkillSummary
	require.NoError(t, json.Unmarshal([]byte(res.Payload), &loaded))
	require.Len(t, loaded, 2)
	assert.Equal(t, "planner", loaded[0].Name)
	assert.Equal(t, []string{"planner__init_planning"}, loaded[0].Tools)
	assert.Equal(t, controller.SkillName, loaded[1].Name)
	assert.True(t, loaded[1].Builtin)

	res = e.call(t, controller.ToolListAvailableSkills, nil)
	require.True(t, res.OK(), res.Content())
	var avail []controller.SkillSummary
	require.NoError(t, json.Unmarshal([]byte(res.Payload), &avail))
	require.Len(t, avail, 2)
	assert.Equal(t, "notes", avail[0].Name)
	assert.Equal(t, "unloaded", avail[0].State)
	assert.Equal(t, "planner", avail[1].Name)
	assert.Equal(t, "active", avail[1].State)
}

func TestControllerShutdownClosesDone(t *testing.T) {
	ctl := controller.New(nil, nil)
	require.NoError(t, ctl.Shutdown(context.Background()))
	require.NoError(t, ctl.Kill())
	select {
	case <-ctl.Done():
	default:
		t.Fatal("done not closed")
	}
}
