//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool

import "fmt"

// ErrorKind classifies a failure reported by the runtime.
type ErrorKind string

// Failure kinds.
const (
	KindSkillNotFound      ErrorKind = "SkillNotFound"
	KindSkillStartFailed   ErrorKind = "SkillStartFailed"
	KindSkillNotLoaded     ErrorKind = "SkillNotLoaded"
	KindUnknownTool        ErrorKind = "UnknownTool"
	KindInvalidArguments   ErrorKind = "InvalidArguments"
	KindTimeout            ErrorKind = "Timeout"
	KindSubprocessCrashed  ErrorKind = "SubprocessCrashed"
	KindTurnBudgetExceeded ErrorKind = "TurnBudgetExceeded"
	// KindOverloaded means the skill's call queue is full.
	KindOverloaded ErrorKind = "Overloaded"
	// KindToolError is a failure reported by the tool itself.
	KindToolError ErrorKind = "ToolError"
)

// Sentinel errors for errors.Is matching by kind.
var (
	ErrSkillNotFound      = &Error{Kind: KindSkillNotFound}
	ErrSkillStartFailed   = &Error{Kind: KindSkillStartFailed}
	ErrSkillNotLoaded     = &Error{Kind: KindSkillNotLoaded}
	ErrUnknownTool        = &Error{Kind: KindUnknownTool}
	ErrInvalidArguments   = &Error{Kind: KindInvalidArguments}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrSubprocessCrashed  = &Error{Kind: KindSubprocessCrashed}
	ErrTurnBudgetExceeded = &Error{Kind: KindTurnBudgetExceeded}
	ErrOverloaded         = &Error{Kind: KindOverloaded}
	ErrToolError          = &Error{Kind: KindToolError}
)

// Error is a classified runtime error.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Errorf returns an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
