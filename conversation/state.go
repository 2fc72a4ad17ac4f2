//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package conversation

// State is a state of the conversation engine.
type State int

// Engine states.
const (
	StateAwaitingInput State = iota
	StateGenerating
	StateToolCallsRequested
	StateDispatching
	StateResultsAppended
	StateTerminalResponse
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "AwaitingInput"
	case StateGenerating:
		return "Generating"
	case StateToolCallsRequested:
		return "ToolCallsRequested"
	case StateDispatching:
		return "Dispatching"
	case StateResultsAppended:
		return "ResultsAppended"
	case StateTerminalResponse:
		return "TerminalResponse"
	}
	return "Unknown"
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateAwaitingInput:      {StateGenerating},
	StateGenerating:         {StateTerminalResponse, StateToolCallsRequested, StateAwaitingInput},
	StateTerminalResponse:   {StateAwaitingInput},
	StateToolCallsRequested: {StateDispatching},
	StateDispatching:        {StateResultsAppended},
	StateResultsAppended:    {StateGenerating, StateTerminalResponse, StateAwaitingInput},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer receives engine progress. Calls are made from the goroutine
// running the turn.
type Observer interface {
	OnState(from, to State)
	OnMessage(msg Message)
	// OnDelta receives streamed text while the model is generating.
	OnDelta(text string)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	State   func(from, to State)
	Message func(msg Message)
	Delta   func(text string)
}

// OnState implements Observer.
func (o ObserverFuncs) OnState(from, to State) {
	if o.State != nil {
		o.State(from, to)
	}
}

// OnMessage implements Observer.
func (o ObserverFuncs) OnMessage(msg Message) {
	if o.Message != nil {
		o.Message(msg)
	}
}

// OnDelta implements Observer.
func (o ObserverFuncs) OnDelta(text string) {
	if o.Delta != nil {
		o.Delta(text)
	}
}
