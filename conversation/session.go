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
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/tool"
)

// Message is one entry of the conversation history.
type Message struct {
	model.Message
	// Turn is the generation cycle the message belongs to.
	Turn int `json:"turn"`
	// Result is the call outcome carried by a tool message.
	Result *tool.Result `json:"result,omitempty"`
}

// Session is the append-only history of one conversation.
type Session struct {
	ID string

	mu      sync.RWMutex
	history []Message
	turn    int
}

// NewSession returns an empty session with a fresh id.
func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// History returns a copy of the message history.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.history...)
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Turn returns the number of generation cycles run so far.
func (s *Session) Turn() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

func (s *Session) nextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

func (s *Session) append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// reset clears the history. The turn counter keeps counting.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *Session) modelMessages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.history))
	for i, m := range s.history {
		out[i] = m.Message
	}
	return out
}

// checkHistory verifies that every tool call is answered exactly once, in
// order, before the next non-tool message, and that turns never decrease.
func checkHistory(history []Message) error {
	var (
		pending []string
		turn    int
	)
	for i, m := range history {
		if m.Turn < turn {
			return fmt.Errorf("message %d: turn %d after turn %d", i, m.Turn, turn)
		}
		turn = m.Turn
		switch m.Role {
		case model.RoleTool:
			if len(pending) == 0 {
				return fmt.Errorf("message %d: tool result %q without a call", i, m.ToolID)
			}
			if m.ToolID != pending[0] {
				return fmt.Errorf("message %d: tool result %q, want %q", i, m.ToolID, pending[0])
			}
			pending = pending[1:]
		default:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: tool calls %v unanswered", i, pending)
			}
			for _, c := range m.ToolCalls {
				pending = append(pending, c.ID)
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("tool calls %v unanswered", pending)
	}
	return nil
}
