//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package modeltest provides a scripted model backend for tests.
package modeltest

import (
	"context"
	"sync"
	"time"

	"github.com/zdwalter/agent-ds/model"
)

// Step is one scripted model response.
type Step struct {
	// Text is the assistant text.
	Text string
	// Deltas are streamed as partial responses before the final one.
	Deltas []string
	// Calls are the tool calls requested.
	Calls []model.ToolCall
	// Err fails GenerateContent itself.
	Err error
	// APIError is delivered as Response.Error.
	APIError string
	// Block waits for the request context to end without answering.
	Block bool
	// Func, when set, computes the response from the request.
	Func func(req *model.Request) Step
}

// Reply is a plain text step.
func Reply(text string) Step { return Step{Text: text} }

// Calls is a tool call step.
func Calls(calls ...model.ToolCall) Step { return Step{Calls: calls} }

// Call builds a tool call with raw JSON arguments.
func Call(id, name, args string) model.ToolCall {
	return model.ToolCall{
		ID:       id,
		Type:     "function",
		Function: model.FunctionDefinitionParam{Name: name, Arguments: []byte(args)},
	}
}

// Model answers requests from a script.
type Model struct {
	// Repeat, when set, answers every request after the script ran out.
	Repeat *Step

	mu       sync.Mutex
	steps    []Step
	requests []*model.Request
}

// New returns a model answering with steps in order.
func New(steps ...Step) *Model {
	return &Model{steps: steps}
}

// Info implements model.Model.
func (m *Model) Info() model.Info { return model.Info{Name: "scripted"} }

// Requests returns the requests received so far.
func (m *Model) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Request(nil), m.requests...)
}

// Last returns the latest request.
func (m *Model) Last() *model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// GenerateContent implements model.Model.
func (m *Model) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	cp := *req
	cp.Messages = append([]model.Message(nil), req.Messages...)
	cp.Tools = append(cp.Tools[:0:0], req.Tools...)
	m.requests = append(m.requests, &cp)
	var step Step
	switch {
	case len(m.steps) > 0:
		step = m.steps[0]
		m.steps = m.steps[1:]
	case m.Repeat != nil:
		step = *m.Repeat
	default:
		step = Step{APIError: "script exhausted"}
	}
	m.mu.Unlock()

	if step.Func != nil {
		step = step.Func(&cp)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	ch := make(chan *model.Response, len(step.Deltas)+1)
	go func() {
		defer close(ch)
		if step.Block {
			<-ctx.Done()
			return
		}
		for _, d := range step.Deltas {
			ch <- &model.Response{IsPartial: true, Choices: []model.Choice{{Delta: model.NewAssistantMessage(d)}}}
		}
		rsp := &model.Response{Done: true, Timestamp: time.Now(), Usage: &model.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}
		if step.APIError != "" {
			rsp.Error = &model.ResponseError{Message: step.APIError, Type: model.ErrorTypeAPIError}
		} else {
			rsp.Choices = []model.Choice{{Message: model.Message{
				Role:      model.RoleAssistant,
				Content:   step.Text,
				ToolCalls: step.Calls,
			}}}
		}
		ch <- rsp
	}()
	return ch, nil
}

var _ model.Model = (*Model)(nil)
