//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package skilltest provides in-memory skills for tests.
package skilltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zdwalter/agent-ds/skill"
)

// ErrCrashed is the exit error of a crashed fake skill.
var ErrCrashed = errors.New("fake skill crashed")

// Conn is a fake skill connection.
type Conn struct {
	Tools        []skill.ToolSpec
	Instructions string
	// HandshakeFunc, when set, runs before the handshake result is returned.
	HandshakeFunc func(ctx context.Context) error
	// CallFunc answers calls. The default echoes the tool name and arguments.
	CallFunc func(ctx context.Context, name string, args map[string]any) (*skill.Output, error)
	// PingFunc answers pings. The default succeeds.
	PingFunc func(ctx context.Context) error
	// IgnoreShutdown makes Shutdown hang like a process ignoring its stdin.
	IgnoreShutdown bool

	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	shutdown    bool
	killed      bool

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewConn returns a fake skill offering the named tools, each taking
// arbitrary object arguments.
func NewConn(tools ...string) *Conn {
	c := &Conn{done: make(chan struct{})}
	for _, t := range tools {
		c.Tools = append(c.Tools, skill.ToolSpec{
			Name:        t,
			Description: "fake " + t,
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		})
	}
	return c
}

// Handshake implements skill.Conn.
func (c *Conn) Handshake(ctx context.Context) (*skill.Handshake, error) {
	if c.HandshakeFunc != nil {
		if err := c.HandshakeFunc(ctx); err != nil {
			return nil, err
		}
	}
	select {
	case <-c.done:
		return nil, ErrCrashed
	default:
	}
	return &skill.Handshake{
		ServerName:      "fake",
		ServerVersion:   "1.0",
		ProtocolVersion: "2024-11-05",
		Instructions:    c.Instructions,
		Tools:           append([]skill.ToolSpec(nil), c.Tools...),
	}, nil
}

// Call implements skill.Conn.
func (c *Conn) Call(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, ErrCrashed
	default:
	}
	if c.CallFunc != nil {
		return c.CallFunc(ctx, name, args)
	}
	b, _ := json.Marshal(args)
	return &skill.Output{Text: fmt.Sprintf("%s %s", name, b)}, nil
}

// Ping implements skill.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrCrashed
	default:
	}
	if c.PingFunc != nil {
		return c.PingFunc(ctx)
	}
	return nil
}

// Shutdown implements skill.Conn.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	if c.IgnoreShutdown {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.exit(nil)
	return nil
}

// Kill implements skill.Conn.
func (c *Conn) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.exit(errors.New("killed"))
	return nil
}

// Crash simulates the process dying on its own.
func (c *Conn) Crash() { c.exit(ErrCrashed) }

func (c *Conn) exit(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done implements skill.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements skill.Conn.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Calls returns the names of the tools called so far.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// MaxInFlight returns the highest number of overlapping calls observed.
func (c *Conn) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// ShutdownRequested reports whether Shutdown was called.
func (c *Conn) ShutdownRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Killed reports whether Kill was called.
func (c *Conn) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Launcher hands out fake connections.
type Launcher struct {
	// New builds the connection for a launch. The default offers no tools.
	New func(spec skill.Spec) (*Conn, error)

	mu    sync.Mutex
	conns map[string][]*Conn
}

// Launch implements skill.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec skill.Spec) (skill.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		c   *Conn
		err error
	)
	if l.New != nil {
		c, err = l.New(spec)
	} else {
		c = NewConn()
	}
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns == nil {
		l.conns = map[string][]*Conn{}
	}
	l.conns[spec.Name] = append(l.conns[spec.Name], c)
	return c, nil
}

// Launches returns how many times the named skill was launched.
func (l *Launcher) Launches(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns[name])
}

// Last returns the latest connection launched for the named skill.
func (l *Launcher) Last(name string) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns := l.conns[name]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Catalog returns a static catalog with one stdio spec per name.
func Catalog(names ...string) skill.StaticCatalog {
	cat := skill.StaticCatalog{}
	for _, n := range names {
		cat[n] = skill.Spec{Name: n, Description: "fake skill " + n, Command: "fake", Instructions: "Use " + n + " wisely."}
	}
	return cat
}
