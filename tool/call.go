//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"encoding/json"
	"errors"
	"time"
)

// Request is one tool invocation requested by the model.
type Request struct {
	// ID correlates the request with its Result.
	ID string `json:"id"`
	// Tool is the qualified tool name.
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	// Turn is the conversation turn that issued the request.
	Turn int `json:"turn"`
}

// Failure is the failed outcome of a call.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the outcome of one Request. Exactly one of Payload and Failure
// is meaningful: Failure is nil on success.
type Result struct {
	ID       string        `json:"id"`
	Tool     string        `json:"tool"`
	Payload  string        `json:"payload,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success returns a successful Result for req.
func Success(req Request, payload string, d time.Duration) Result {
	return Result{ID: req.ID, Tool: req.Tool, Payload: payload, Duration: d}
}

// Fail returns a failed Result for req.
func Fail(req Request, kind ErrorKind, message string, d time.Duration) Result {
	return Result{ID: req.ID, Tool: req.Tool, Failure: &Failure{Kind: kind, Message: message}, Duration: d}
}

// FailWithError returns a failed Result classified by err. Unclassified
// errors are reported as tool errors.
func FailWithError(req Request, err error, d time.Duration) Result {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = err.Error()
		}
		return Fail(req, e.Kind, msg, d)
	}
	return Fail(req, KindToolError, err.Error(), d)
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Content renders the result as the text handed back to the model.
// Failures become {"error":{"kind":...,"message":...}} so the model can
// tell them apart from payloads.
func (r Result) Content() string {
	if r.Failure == nil {
		return r.Payload
	}
	b, err := json.Marshal(map[string]*Failure{"error": r.Failure})
	if err != nil {
		return `{"error":{"kind":"` + string(r.Failure.Kind) + `"}}`
	}
	return string(b)
}
