//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package skill defines skills, the external processes that contribute tools
// to an agent, together with the contracts used to discover and talk to them.
package skill

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a skill.
type State int

// Skill lifecycle states.
const (
	StateUnloaded State = iota
	StateStarting
	StateActive
	StateUnresponsive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateUnresponsive:
		return "unresponsive"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transport names.
const (
	TransportStdio      = "stdio"
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
	// TransportBuiltin marks an in-process skill.
	TransportBuiltin = "builtin"
)

// Spec describes how to start a skill.
type Spec struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Instructions string            `yaml:"-" json:"-"`
	Transport    string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir      string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// TransportName returns the transport, defaulting to stdio.
func (s Spec) TransportName() string {
	if s.Transport == "" {
		return TransportStdio
	}
	return s.Transport
}

// ToolSpec is a tool as declared by a skill during the handshake.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Info is a point-in-time snapshot of a skill.
type Info struct {
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Instructions string     `json:"-"`
	State        State      `json:"state"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	// Builtin skills run in-process and cannot be unloaded.
	Builtin bool `json:"builtin,omitempty"`
	// Generation increases every time the skill is (re)started.
	Generation uint64    `json:"generation"`
	Restarts   int       `json:"restarts,omitempty"`
	Server     string    `json:"server,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// Handshake is what a skill reports once it is ready.
type Handshake struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	Instructions    string
	Tools           []ToolSpec
}

// Output is the answer of a skill to a tool call. IsError marks a failure
// reported by the tool itself; the conversation continues with it.
type Output struct {
	Text    string
	IsError bool
	// Kind optionally classifies an error output. Only in-process skills
	// set it.
	Kind string
}

// Conn is a live connection to a running skill.
//
// Implementations must tolerate Call, Ping and Shutdown being issued from
// different goroutines, although callers serialize calls per skill.
type Conn interface {
	// Handshake performs the protocol handshake and lists the skill's tools.
	Handshake(ctx context.Context) (*Handshake, error)
	// Call invokes a tool by its local name.
	Call(ctx context.Context, name string, args map[string]any) (*Output, error)
	// Ping checks liveness.
	Ping(ctx context.Context) error
	// Shutdown asks the skill to exit and waits until it has, or ctx ends.
	Shutdown(ctx context.Context) error
	// Kill terminates the skill immediately.
	Kill() error
	// Done is closed once the skill has exited for any reason.
	Done() <-chan struct{}
	// Err returns why the skill exited, once Done is closed.
	Err() error
}

// Launcher starts skills.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Conn, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec Spec) (Conn, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec Spec) (Conn, error) { return f(ctx, spec) }
