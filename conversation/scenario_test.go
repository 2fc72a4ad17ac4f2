//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package conversation_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/controller"
	"github.com/zdwalter/agent-ds/conversation"
	"github.com/zdwalter/agent-ds/dispatch"
	"github.com/zdwalter/agent-ds/internal/modeltest"
	"github.com/zdwalter/agent-ds/internal/skilltest"
	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/supervisor"
	"github.com/zdwalter/agent-ds/tool"
)

// notesConn is a fake notes skill that rejects duplicate titles.
func notesConn() *skilltest.Conn {
	var (
		mu     sync.Mutex
		titles = map[string]string{}
	)
	c := skilltest.NewConn("list_notes", "slow_op")
	c.Tools = append(c.Tools, skill.ToolSpec{
		Name: "create_note",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"title":{"type":"string"},"content":{"type":"string"}},"required":["title","content"]}`),
	})
	c.CallFunc = func(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		switch name {
		case "create_note":
			title := args["title"].(string)
			if _, ok := titles[title]; ok {
				return &skill.Output{Text: fmt.Sprintf("note %q already exists", title), IsError: true}, nil
			}
			titles[title] = args["content"].(string)
			return &skill.Output{Text: fmt.Sprintf("created %q", title)}, nil
		case "slow_op":
			time.Sleep(30 * time.Millisecond)
		}
		b, _ := json.Marshal(titles)
		return &skill.Output{Text: string(b)}, nil
	}
	return c
}

type stack struct {
	sup  *supervisor.Supervisor
	reg  *registry.Registry
	disp *dispatch.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{reg: registry.New()}
	s.sup = supervisor.New(skilltest.Catalog("notes"), supervisor.WithShutdownGrace(50*time.Millisecond))
	s.sup.RegisterLauncher(skill.TransportStdio, &skilltest.Launcher{New: func(spec skill.Spec) (*skilltest.Conn, error) {
		return notesConn(), nil
	}})
	s.sup.AddListener(s.reg)
	ctl := controller.New(s.sup, s.reg)
	_, err := s.sup.LoadBuiltin(context.Background(), ctl.Spec(), ctl)
	require.NoError(t, err)
	s.disp, err = dispatch.New(s.reg, s.sup, dispatch.WithTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.disp.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.sup.Close(ctx)
	})
	return s
}

func toolNames(req *model.Request) []string {
	out := make([]string, len(req.Tools))
	for i, d := range req.Tools {
		out[i] = d.Name
	}
	return out
}

func toolResults(h []conversation.Message) []tool.Result {
	var out []tool.Result
	for _, m := range h {
		if m.Result != nil {
			out = append(out, *m.Result)
		}
	}
	return out
}

func TestScenarioLoadNotesAndRejectDuplicate(t *testing.T) {
	s := newStack(t)
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("l", "load_skill", `{"name":"notes"}`)),
		modeltest.Calls(modeltest.Call("a", "notes__create_note", `{"title":"a","content":"x"}`)),
		modeltest.Calls(modeltest.Call("b", "notes__create_note", `{"title":"a","content":"y"}`)),
		modeltest.Reply("A note titled a already exists."),
	)
	e := conversation.New(m, s.reg, s.disp)

	res, err := e.Ask(context.Background(), "make a note")
	require.NoError(t, err)
	assert.Equal(t, "A note titled a already exists.", res.Reply)

	reqs := m.Requests()
	require.Len(t, reqs, 4)
	assert.NotContains(t, toolNames(reqs[0]), "notes__create_note")
	assert.Contains(t, toolNames(reqs[1]), "notes__create_note")

	results := toolResults(e.Session().History())
	require.Len(t, results, 3)
	assert.True(t, results[0].OK(), results[0].Content())
	assert.True(t, results[1].OK(), results[1].Content())
	require.NotNil(t, results[2].Failure)
	assert.Equal(t, tool.KindToolError, results[2].Failure.Kind)
	assert.NoError(t, e.Err())

	// The session keeps working.
	m2 := modeltest.New(modeltest.Reply("still here"))
	e2 := conversation.New(m2, s.reg, s.disp, conversation.WithSession(e.Session()))
	res, err = e2.Ask(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Reply)
}

func TestScenarioUnloadMidTurn(t *testing.T) {
	s := newStack(t)
	_, err := s.sup.Load(context.Background(), "notes")
	require.NoError(t, err)

	m := modeltest.New(
		modeltest.Calls(
			modeltest.Call("slow", "notes__slow_op", `{}`),
			modeltest.Call("u", "unload_skill", `{"name":"notes"}`),
		),
		modeltest.Calls(modeltest.Call("after", "notes__list_notes", `{}`)),
		modeltest.Reply("notes is gone"),
	)
	e := conversation.New(m, s.reg, s.disp)
	res, err := e.Ask(context.Background(), "unload")
	require.NoError(t, err)
	assert.Equal(t, "notes is gone", res.Reply)

	results := toolResults(e.Session().History())
	require.Len(t, results, 3)
	assert.Equal(t, "slow", results[0].ID)
	assert.True(t, results[0].OK(), results[0].Content())
	assert.True(t, results[1].OK(), results[1].Content())
	require.NotNil(t, results[2].Failure)
	assert.Equal(t, tool.KindUnknownTool, results[2].Failure.Kind)
	assert.NotContains(t, toolNames(m.Requests()[1]), "notes__list_notes")
}

func TestScenarioCallsAfterUnloadInSameBatch(t *testing.T) {
	s := newStack(t)
	for i := 0; i < 50; i++ {
		_, err := s.sup.Load(context.Background(), "notes")
		require.NoError(t, err)

		m := modeltest.New(
			modeltest.Calls(
				modeltest.Call("u", "unload_skill", `{"name":"notes"}`),
				modeltest.Call("after", "notes__list_notes", `{}`),
			),
			modeltest.Reply("gone"),
		)
		e := conversation.New(m, s.reg, s.disp)
		_, err = e.Ask(context.Background(), "unload and list")
		require.NoError(t, err)

		results := toolResults(e.Session().History())
		require.Len(t, results, 2)
		assert.True(t, results[0].OK(), results[0].Content())
		require.NotNil(t, results[1].Failure, "run %d", i)
		assert.Equal(t, tool.KindUnknownTool, results[1].Failure.Kind, "run %d", i)
	}
}

func TestScenarioCallsAfterLoadInSameBatch(t *testing.T) {
	s := newStack(t)
	m := modeltest.New(
		modeltest.Calls(
			modeltest.Call("l", "load_skill", `{"name":"notes"}`),
			modeltest.Call("c", "notes__create_note", `{"title":"a","content":"x"}`),
			modeltest.Call("u", "unload_skill", `{"name":"notes"}`),
			modeltest.Call("after", "notes__list_notes", `{}`),
		),
		modeltest.Reply("done"),
	)
	e := conversation.New(m, s.reg, s.disp)
	_, err := e.Ask(context.Background(), "load, write, unload")
	require.NoError(t, err)

	results := toolResults(e.Session().History())
	require.Len(t, results, 4)
	assert.Equal(t, []string{"l", "c", "u", "after"},
		[]string{results[0].ID, results[1].ID, results[2].ID, results[3].ID})
	assert.True(t, results[0].OK(), results[0].Content())
	assert.True(t, results[1].OK(), results[1].Content())
	assert.True(t, results[2].OK(), results[2].Content())
	require.NotNil(t, results[3].Failure)
	assert.Equal(t, tool.KindUnknownTool, results[3].Failure.Kind)
}

func TestScenarioUnknownTool(t *testing.T) {
	s := newStack(t)
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("x", "weather__forecast", `{"city":"Paris"}`)),
		modeltest.Reply("I cannot check the weather."),
	)
	e := conversation.New(m, s.reg, s.disp)
	res, err := e.Ask(context.Background(), "weather?")
	require.NoError(t, err)
	assert.Equal(t, "I cannot check the weather.", res.Reply)
	results := toolResults(e.Session().History())
	require.Len(t, results, 1)
	assert.Equal(t, tool.KindUnknownTool, results[0].Failure.Kind)
}

func TestScenarioLoadUnloadRoundTrip(t *testing.T) {
	s := newStack(t)
	before := s.reg.CurrentSchema().Names()
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("l", "load_skill", `{"name":"notes"}`)),
		modeltest.Calls(modeltest.Call("u", "unload_skill", `{"name":"notes"}`)),
		modeltest.Reply("done"),
	)
	e := conversation.New(m, s.reg, s.disp)
	_, err := e.Ask(context.Background(), "round trip")
	require.NoError(t, err)
	assert.Equal(t, before, s.reg.CurrentSchema().Names())
	assert.Equal(t, before, toolNames(m.Requests()[2]))
}
