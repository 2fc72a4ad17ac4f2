//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/internal/modeltest"
	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/tool"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]tool.Request
	answer  func(req tool.Request) tool.Result
	raw     func(reqs []tool.Request) []tool.Result
}

func (d *fakeDispatcher) DispatchBatch(ctx context.Context, reqs []tool.Request) []tool.Result {
	d.mu.Lock()
	d.batches = append(d.batches, reqs)
	d.mu.Unlock()
	if d.raw != nil {
		return d.raw(reqs)
	}
	out := make([]tool.Result, len(reqs))
	for i, r := range reqs {
		if d.answer != nil {
			out[i] = d.answer(r)
		} else {
			out[i] = tool.Success(r, "ok:"+r.Tool, time.Millisecond)
		}
	}
	return out
}

func (d *fakeDispatcher) calls() []tool.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []tool.Request
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

func notesSchema(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	_, err := reg.Register(skill.Info{Name: "notes", State: skill.StateActive, Tools: []skill.ToolSpec{
		{Name: "list_notes"},
		{Name: "create_note", InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`)},
	}})
	require.NoError(t, err)
	return reg
}

type recorder struct {
	mu     sync.Mutex
	states []State
	msgs   []Message
	deltas []string
}

func (r *recorder) OnState(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OnMessage(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) OnDelta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, text)
}

func roles(history []Message) []model.Role {
	out := make([]model.Role, len(history))
	for i, m := range history {
		out[i] = m.Role
	}
	return out
}

func TestAskPlainReply(t *testing.T) {
	m := modeltest.New(modeltest.Reply("hello"))
	rec := &recorder{}
	e := New(m, notesSchema(t), &fakeDispatcher{}, WithSystem("be brief"), WithObserver(rec))

	res, err := e.Ask(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Reply)
	assert.Equal(t, 1, res.Cycles)
	assert.Nil(t, res.Failure)
	assert.Equal(t, 2, res.Usage.TotalTokens)

	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant}, roles(e.Session().History()))
	assert.Equal(t, []State{StateGenerating, StateTerminalResponse, StateAwaitingInput}, rec.states)
	assert.Len(t, rec.msgs, 2)
	assert.Equal(t, StateAwaitingInput, e.State())

	req := m.Last()
	assert.Equal(t, "be brief", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
	names := make([]string, len(req.Tools))
	for i, d := range req.Tools {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"notes__create_note", "notes__list_notes"}, names)
}

func TestAskToolLoop(t *testing.T) {
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("c1", "notes__list_notes", `{}`), modeltest.Call("c2", "notes__create_note", `{"title":"a"}`)),
		modeltest.Reply("done"),
	)
	rec := &recorder{}
	disp := &fakeDispatcher{}
	e := New(m, notesSchema(t), disp, WithObserver(rec))

	res, err := e.Ask(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Reply)
	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 2, e.Session().Turn())

	h := e.Session().History()
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleTool, model.RoleAssistant}, roles(h))
	assert.Equal(t, "c1", h[2].ToolID)
	assert.Equal(t, "ok:notes__list_notes", h[2].Content)
	assert.Equal(t, "c2", h[3].ToolID)
	require.NotNil(t, h[3].Result)
	assert.True(t, h[3].Result.OK())
	assert.Equal(t, []int{1, 1, 1, 1, 2}, []int{h[0].Turn, h[1].Turn, h[2].Turn, h[3].Turn, h[4].Turn})

	calls := disp.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"title": "a"}, calls[1].Arguments)
	assert.Equal(t, 1, calls[1].Turn)

	assert.Equal(t, []State{
		StateGenerating, StateToolCallsRequested, StateDispatching, StateResultsAppended,
		StateGenerating, StateTerminalResponse, StateAwaitingInput,
	}, rec.states)

	// The second generation sees the calls and their results.
	second := m.Requests()[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, model.RoleTool, second.Messages[3].Role)
}

func TestAskFailureIsFedBack(t *testing.T) {
	m := modeltest.New(
		modeltest.Calls(modeltest.Call("c1", "planner__init_planning", `{}`)),
		modeltest.Reply("that tool is gone"),
	)
	disp := &fakeDispatcher{answer: func(req tool.Request) tool.Result {
		return tool.Fail(req, tool.KindUnknownTool, "no such tool", 0)
	}}
	e := New(m, notesSchema(t), disp)

	res, err := e.Ask(context.Background(), "plan")
	require.NoError(t, err)
	assert.Equal(t, "that tool is gone", res.Reply)
	h := e.Session().History()
	assert.JSONEq(t, `{"error":{"kind":"UnknownTool","message":"no such tool"}}`, h[2].Content)
}

func TestAskMalformedArguments(t *testing.T) {
	m := modeltest.New(
		modeltest.Calls(
			modeltest.Call("bad", "notes__create_note", `{"title":`),
			modeltest.Call("arr", "notes__create_note", `[1,2]`),
			modeltest.Call("ok", "notes__list_notes", ``),
		),
		modeltest.Reply("fixed"),
	)
	disp := &fakeDispatcher{}
	e := New(m, notesSchema(t), disp)

	_, err := e.Ask(context.Background(), "x")
	require.NoError(t, err)
	calls := disp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].ID)
	assert.Equal(t, map[string]any{}, calls[0].Arguments)

	h := e.Session().History()
	require.Len(t, h, 6)
	for _, i := range []int{2, 3} {
		require.NotNil(t, h[i].Result)
		assert.Equal(t, tool.KindInvalidArguments, h[i].Result.Failure.Kind)
	}
	assert.Equal(t, []string{"bad", "arr", "ok"}, []string{h[2].ToolID, h[3].ToolID, h[4].ToolID})
}

func TestAskSynthesizesCallIDs(t *testing.T) {
	m := modeltest.New(
		modeltest.Calls(
			modeltest.Call("", "notes__list_notes", `{}`),
			modeltest.Call("dup", "notes__list_notes", `{}`),
			modeltest.Call("dup", "notes__list_notes", `{}`),
		),
		modeltest.Reply("ok"),
	)
	disp := &fakeDispatcher{}
	e := New(m, notesSchema(t), disp)
	_, err := e.Ask(context.Background(), "x")
	require.NoError(t, err)

	h := e.Session().History()
	ids := map[string]bool{}
	for i, c := range h[1].ToolCalls {
		require.NotEmpty(t, c.ID)
		assert.False(t, ids[c.ID], "duplicate id %s", c.ID)
		ids[c.ID] = true
		assert.Equal(t, c.ID, h[2+i].ToolID)
	}
	assert.Equal(t, "dup", h[1].ToolCalls[1].ID)
}

func TestAskTurnBudget(t *testing.T) {
	loop := modeltest.Calls(modeltest.Call("", "notes__list_notes", `{}`))
	m := modeltest.New()
	m.Repeat = &loop
	disp := &fakeDispatcher{}
	e := New(m, notesSchema(t), disp, WithTurnBudget(3))

	res, err := e.Ask(context.Background(), "loop forever")
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, tool.KindTurnBudgetExceeded, res.Failure.Kind)
	assert.Equal(t, 3, res.Cycles)
	assert.Len(t, disp.calls(), 3)
	assert.Len(t, m.Requests(), 3)

	h := e.Session().History()
	last := h[len(h)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, res.Reply, last.Content)
	assert.Empty(t, last.ToolCalls)
	assert.NoError(t, checkHistory(h))
	assert.Equal(t, StateAwaitingInput, e.State())
	assert.NoError(t, e.Err())
}

func TestAskBackendErrorTerminates(t *testing.T) {
	for name, step := range map[string]modeltest.Step{
		"transport": {Err: errors.New("connection refused")},
		"api":       {APIError: "quota exhausted"},
	} {
		t.Run(name, func(t *testing.T) {
			e := New(modeltest.New(step), notesSchema(t), &fakeDispatcher{})
			_, err := e.Ask(context.Background(), "hi")
			require.ErrorIs(t, err, ErrBackend)
			require.ErrorIs(t, e.Err(), ErrBackend)

			_, err = e.Ask(context.Background(), "again")
			assert.ErrorIs(t, err, ErrSessionTerminated)
			assert.ErrorIs(t, e.Reset(), ErrSessionTerminated)
		})
	}
}

func TestAskMisattributedResultsCorruptHistory(t *testing.T) {
	m := modeltest.New(modeltest.Calls(modeltest.Call("c1", "notes__list_notes", `{}`)))
	disp := &fakeDispatcher{raw: func(reqs []tool.Request) []tool.Result {
		return []tool.Result{{ID: "someone-else", Tool: reqs[0].Tool}}
	}}
	e := New(m, notesSchema(t), disp)
	_, err := e.Ask(context.Background(), "x")
	require.ErrorIs(t, err, ErrHistoryCorrupted)
	_, err = e.Ask(context.Background(), "y")
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestAskCancelledKeepsSession(t *testing.T) {
	m := modeltest.New(modeltest.Step{Block: true}, modeltest.Reply("back"))
	e := New(m, notesSchema(t), &fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Ask(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, e.Err())
	assert.Equal(t, StateAwaitingInput, e.State())

	res, err := e.Ask(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "back", res.Reply)
	assert.NoError(t, checkHistory(e.Session().History()))
}

func TestAskBusy(t *testing.T) {
	m := modeltest.New(modeltest.Step{Block: true})
	e := New(m, notesSchema(t), &fakeDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Ask(ctx, "hold")
	}()
	require.Eventually(t, func() bool { return len(m.Requests()) == 1 }, time.Second, time.Millisecond)
	_, err := e.Ask(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, e.Reset(), ErrBusy)
	cancel()
	<-done
}

func TestResetKeepsTurnCounter(t *testing.T) {
	m := modeltest.New(modeltest.Reply("one"), modeltest.Reply("two"))
	e := New(m, notesSchema(t), &fakeDispatcher{})
	_, err := e.Ask(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, e.Reset())
	assert.Zero(t, e.Session().Len())
	assert.Equal(t, 1, e.Session().Turn())

	res, err := e.Ask(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn)
	require.Len(t, m.Last().Messages, 1)
	assert.Equal(t, "b", m.Last().Messages[0].Content)
}

func TestAskStreamsDeltas(t *testing.T) {
	m := modeltest.New(modeltest.Step{Deltas: []string{"hel", "lo"}, Text: "hello"})
	rec := &recorder{}
	e := New(m, notesSchema(t), &fakeDispatcher{}, WithObserver(rec))
	res, err := e.Ask(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Reply)
	assert.Equal(t, []string{"hel", "lo"}, rec.deltas)
}

func TestSystemFuncIsEvaluatedPerGeneration(t *testing.T) {
	n := 0
	m := modeltest.New(modeltest.Calls(modeltest.Call("c", "notes__list_notes", `{}`)), modeltest.Reply("ok"))
	e := New(m, notesSchema(t), &fakeDispatcher{}, WithSystemFunc(func() string {
		n++
		return "call " + string(rune('0'+n))
	}))
	_, err := e.Ask(context.Background(), "x")
	require.NoError(t, err)
	reqs := m.Requests()
	assert.Equal(t, "call 1", reqs[0].System)
	assert.Equal(t, "call 2", reqs[1].System)
}

func TestCheckHistory(t *testing.T) {
	call := Message{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "a"}, {ID: "b"}}}, Turn: 1}
	user := Message{Message: model.NewUserMessage("hi"), Turn: 1}
	ta := Message{Message: model.NewToolMessage("a", "x", ""), Turn: 1}
	tb := Message{Message: model.NewToolMessage("b", "x", ""), Turn: 1}

	assert.NoError(t, checkHistory([]Message{user, call, ta, tb}))
	assert.Error(t, checkHistory([]Message{user, call, tb, ta}))
	assert.Error(t, checkHistory([]Message{user, call, ta}))
	assert.Error(t, checkHistory([]Message{user, ta}))
	assert.Error(t, checkHistory([]Message{user, call, ta, user}))
	later := user
	later.Turn = 3
	assert.Error(t, checkHistory([]Message{later, user}))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateAwaitingInput, StateGenerating))
	assert.True(t, canTransition(StateResultsAppended, StateGenerating))
	assert.False(t, canTransition(StateAwaitingInput, StateDispatching))
	assert.False(t, canTransition(StateToolCallsRequested, StateGenerating))
	assert.Equal(t, "ToolCallsRequested", StateToolCallsRequested.String())
}
