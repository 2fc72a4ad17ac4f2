//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package conversation drives the turn loop between the model backend and
// the dispatcher.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	itelemetry "github.com/zdwalter/agent-ds/internal/telemetry"
	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/telemetry/trace"
	"github.com/zdwalter/agent-ds/tool"
)

// DefaultTurnBudget bounds the generation cycles of one exchange.
const DefaultTurnBudget = 32

var (
	// ErrBackend reports a lost or failing model backend. It ends the session.
	ErrBackend = errors.New("model backend failure")
	// ErrHistoryCorrupted reports a broken history invariant. It ends the session.
	ErrHistoryCorrupted = errors.New("conversation history corrupted")
	// ErrSessionTerminated is returned by sessions ended by a fatal error.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrBusy is returned when a turn is started while another is running.
	ErrBusy = errors.New("a turn is already running")
)

// Schema exposes the tools offered to the model.
type Schema interface {
	CurrentSchema() *registry.Snapshot
}

// Dispatcher executes the tool calls of one model response.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, reqs []tool.Request) []tool.Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithTurnBudget bounds the generation cycles of one exchange.
func WithTurnBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.budget = n
		}
	}
}

// WithSystem sets a fixed system instruction.
func WithSystem(text string) Option {
	return func(e *Engine) { e.system = func() string { return text } }
}

// WithSystemFunc computes the system instruction before every generation.
func WithSystemFunc(fn func() string) Option {
	return func(e *Engine) { e.system = fn }
}

// WithObserver reports engine progress to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithGenerationConfig sets the generation parameters of every request.
func WithGenerationConfig(cfg model.GenerationConfig) Option {
	return func(e *Engine) { e.genConfig = cfg }
}

// WithSession continues an existing session.
func WithSession(s *Session) Option {
	return func(e *Engine) { e.session = s }
}

// Result summarizes one exchange.
type Result struct {
	// Reply is the final assistant text.
	Reply string
	// Turn is the last generation cycle of the exchange.
	Turn int
	// Cycles is the number of generation cycles the exchange took.
	Cycles int
	// ToolCalls counts the tool calls requested by the model.
	ToolCalls int
	// Failure is set when the exchange was cut short by the turn budget.
	Failure *tool.Failure
	Usage   model.Usage
}

// Engine runs one session against a model. Turns are sequential.
type Engine struct {
	model     model.Model
	schema    Schema
	disp      Dispatcher
	session   *Session
	budget    int
	system    func() string
	observer  Observer
	genConfig model.GenerationConfig

	run   sync.Mutex
	mu    sync.Mutex
	state State
	fatal error
}

// New returns an engine for a fresh session.
func New(m model.Model, schema Schema, disp Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		model:    m,
		schema:   schema,
		disp:     disp,
		budget:   DefaultTurnBudget,
		observer: ObserverFuncs{},
		state:    StateAwaitingInput,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.session == nil {
		e.session = NewSession()
	}
	return e
}

// Session returns the engine's session.
func (e *Engine) Session() *Session { return e.session }

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that terminated the session, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Reset clears the history. The turn counter keeps increasing.
func (e *Engine) Reset() error {
	if !e.run.TryLock() {
		return ErrBusy
	}
	defer e.run.Unlock()
	if err := e.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}
	e.session.reset()
	log.Infof("conversation: session %s reset at turn %d", e.session.ID, e.session.Turn())
	return nil
}

// Ask appends the user input and runs generation cycles until the model
// answers in plain text or the turn budget is spent.
//
// Tool failures never end the exchange. Cancelling ctx ends the exchange
// and leaves the session usable. ErrBackend and ErrHistoryCorrupted end the
// session; later calls return ErrSessionTerminated.
func (e *Engine) Ask(ctx context.Context, input string) (*Result, error) {
	if !e.run.TryLock() {
		return nil, ErrBusy
	}
	defer e.run.Unlock()
	if err := e.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}

	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameTurn)
	defer span.End()
	span.SetAttributes(attribute.String(itelemetry.KeySessionID, e.session.ID))

	res := &Result{}
	e.append(Message{Message: model.NewUserMessage(input), Turn: e.session.Turn() + 1})
	for {
		if res.Cycles >= e.budget {
			e.exhausted(res)
			span.SetAttributes(attribute.String(itelemetry.KeyErrorKind, string(tool.KindTurnBudgetExceeded)))
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			e.setState(StateAwaitingInput)
			return res, err
		}

		e.setState(StateGenerating)
		turn := e.session.nextTurn()
		res.Cycles++
		res.Turn = turn
		rsp, err := e.generate(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				e.setState(StateAwaitingInput)
				return res, ctx.Err()
			}
			span.SetStatus(codes.Error, err.Error())
			return res, e.terminate(err)
		}
		if rsp.Usage != nil {
			res.Usage.PromptTokens += rsp.Usage.PromptTokens
			res.Usage.CompletionTokens += rsp.Usage.CompletionTokens
			res.Usage.TotalTokens += rsp.Usage.TotalTokens
		}

		msg := rsp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			e.setState(StateTerminalResponse)
			e.append(Message{Message: model.NewAssistantMessage(msg.Content), Turn: turn})
			e.setState(StateAwaitingInput)
			res.Reply = msg.Content
			return res, nil
		}

		e.setState(StateToolCallsRequested)
		call, reqs, early := buildRequests(msg, turn)
		e.append(call)
		res.ToolCalls += len(reqs)

		e.setState(StateDispatching)
		results := e.dispatch(ctx, reqs, early)
		if err := matchResults(reqs, results); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, e.terminate(fmt.Errorf("%w: %w", ErrHistoryCorrupted, err))
		}
		msgs := make([]Message, len(results))
		for i := range results {
			r := results[i]
			msgs[i] = Message{Message: model.NewToolMessage(r.ID, r.Tool, r.Content()), Turn: turn, Result: &r}
		}
		e.append(msgs...)
		e.setState(StateResultsAppended)

		if err := checkHistory(e.session.History()); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, e.terminate(fmt.Errorf("%w: %w", ErrHistoryCorrupted, err))
		}
	}
}

// exhausted ends an exchange that ran out of cycles.
func (e *Engine) exhausted(res *Result) {
	text := fmt.Sprintf("I stopped after %d rounds of tool calls without reaching an answer. "+
		"The task may need to be split into smaller steps.", e.budget)
	log.Warnf("conversation: session %s hit the turn budget of %d", e.session.ID, e.budget)
	e.setState(StateTerminalResponse)
	e.append(Message{Message: model.NewAssistantMessage(text), Turn: e.session.Turn()})
	e.setState(StateAwaitingInput)
	res.Reply = text
	res.Failure = &tool.Failure{
		Kind:    tool.KindTurnBudgetExceeded,
		Message: fmt.Sprintf("turn budget of %d cycles exceeded", e.budget),
	}
}

func (e *Engine) generate(ctx context.Context, turn int) (*model.Response, error) {
	req := &model.Request{
		Messages:         e.session.modelMessages(),
		GenerationConfig: e.genConfig,
		Tools:            e.schema.CurrentSchema().Tools(),
	}
	if e.system != nil {
		req.System = e.system()
	}

	name := e.model.Info().Name
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameCallLLM+" "+name)
	defer span.End()

	log.Debugf("conversation: session %s turn %d: generating with %d messages and %d tools",
		e.session.ID, turn, len(req.Messages), len(req.Tools))
	ch, err := e.model.GenerateContent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	var (
		final  *model.Response
		rspErr *model.ResponseError
	)
	for rsp := range ch {
		if rsp == nil {
			continue
		}
		if rsp.Error != nil {
			if rspErr == nil {
				rspErr = rsp.Error
			}
			continue
		}
		if rsp.IsPartial {
			for _, c := range rsp.Choices {
				if c.Delta.Content != "" {
					e.observer.OnDelta(c.Delta.Content)
				}
			}
			continue
		}
		final = rsp
	}
	itelemetry.TraceCallLLM(span, e.session.ID, name, turn, req, final)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rspErr != nil {
		span.SetStatus(codes.Error, rspErr.Error())
		return nil, fmt.Errorf("%w: %w", ErrBackend, rspErr)
	}
	if final == nil || len(final.Choices) == 0 {
		return nil, fmt.Errorf("%w: no final response", ErrBackend)
	}
	return final, nil
}

// buildRequests turns the tool calls of a model message into dispatcher
// requests. Missing or repeated call ids are replaced. Calls whose argument
// JSON cannot be decoded are answered at once and returned in early.
func buildRequests(msg model.Message, turn int) (Message, []tool.Request, map[int]tool.Result) {
	calls := make([]model.ToolCall, len(msg.ToolCalls))
	reqs := make([]tool.Request, len(msg.ToolCalls))
	early := map[int]tool.Result{}
	seen := map[string]bool{}
	for i, c := range msg.ToolCalls {
		if c.ID == "" || seen[c.ID] {
			c.ID = "call_" + uuid.NewString()
		}
		seen[c.ID] = true
		if c.Type == "" {
			c.Type = "function"
		}
		calls[i] = c

		req := tool.Request{ID: c.ID, Tool: c.Function.Name, Turn: turn}
		args, err := parseArguments(c.Function.Arguments)
		if err != nil {
			early[i] = tool.Fail(req, tool.KindInvalidArguments, fmt.Sprintf("arguments are not a JSON object: %v", err), 0)
		} else {
			req.Arguments = args
		}
		reqs[i] = req
	}
	m := Message{
		Message: model.Message{Role: model.RoleAssistant, Content: msg.Content, ToolCalls: calls},
		Turn:    turn,
	}
	return m, reqs, early
}

func parseArguments(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (e *Engine) dispatch(ctx context.Context, reqs []tool.Request, early map[int]tool.Result) []tool.Result {
	results := make([]tool.Result, len(reqs))
	var (
		pending []tool.Request
		index   []int
	)
	for i, req := range reqs {
		if r, ok := early[i]; ok {
			results[i] = r
			continue
		}
		pending = append(pending, req)
		index = append(index, i)
	}
	if len(pending) == 0 {
		return results
	}
	out := e.disp.DispatchBatch(ctx, pending)
	if len(out) != len(pending) {
		// Leave the gap for matchResults to report.
		return out
	}
	for j, r := range out {
		results[index[j]] = r
	}
	return results
}

func matchResults(reqs []tool.Request, results []tool.Result) error {
	if len(results) != len(reqs) {
		return fmt.Errorf("%d results for %d tool calls", len(results), len(reqs))
	}
	for i := range reqs {
		if results[i].ID != reqs[i].ID {
			return fmt.Errorf("result %d answers %q, want %q", i, results[i].ID, reqs[i].ID)
		}
	}
	return nil
}

func (e *Engine) append(msgs ...Message) {
	e.session.append(msgs...)
	for _, m := range msgs {
		e.observer.OnMessage(m)
	}
}

func (e *Engine) setState(to State) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		log.Errorf("conversation: illegal transition %s -> %s", from, to)
	}
	e.state = to
	e.mu.Unlock()
	e.observer.OnState(from, to)
}

func (e *Engine) terminate(err error) error {
	e.mu.Lock()
	e.fatal = err
	e.mu.Unlock()
	log.Errorf("conversation: session %s terminated: %v", e.session.ID, err)
	return err
}
