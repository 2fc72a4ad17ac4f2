//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zdwalter/agent-ds/skill"
)

var (
	// ErrQueueFull is returned when too many calls are waiting on one skill.
	ErrQueueFull = errors.New("skill call queue is full")
	// ErrNotServing is returned for calls to a skill that is not active.
	ErrNotServing = errors.New("skill is not serving calls")
)

// Process is the supervisor's handle on one loaded skill. Fields without
// their own synchronization are guarded by the supervisor's mutex.
type Process struct {
	sup     *Supervisor
	spec    skill.Spec
	builtin bool

	// lane admits one call at a time onto the skill's protocol stream.
	lane     chan struct{}
	queued   atomic.Int32
	maxQueue int32
	suspect  atomic.Bool

	conn       skill.Conn
	state      skill.State
	handshake  *skill.Handshake
	generation uint64
	restarts   int
	strikes    int
	startedAt  time.Time
	// stopping is set once the supervisor has decided to end the process.
	// Exits after that point are not crashes.
	stopping bool
}

func newProcess(sup *Supervisor, spec skill.Spec, builtin bool) *Process {
	return &Process{
		sup:      sup,
		spec:     spec,
		builtin:  builtin,
		lane:     make(chan struct{}, 1),
		maxQueue: int32(sup.opts.maxQueue),
		state:    skill.StateStarting,
	}
}

// Name returns the skill name.
func (p *Process) Name() string { return p.spec.Name }

// State returns the current lifecycle state.
func (p *Process) State() skill.State {
	p.sup.mu.Lock()
	defer p.sup.mu.Unlock()
	return p.state
}

// Info returns a snapshot of the skill.
func (p *Process) Info() skill.Info {
	p.sup.mu.Lock()
	defer p.sup.mu.Unlock()
	return p.infoLocked()
}

func (p *Process) infoLocked() skill.Info {
	info := skill.Info{
		Name:         p.spec.Name,
		Description:  p.spec.Description,
		Instructions: p.spec.Instructions,
		State:        p.state,
		Builtin:      p.builtin,
		Generation:   p.generation,
		Restarts:     p.restarts,
		StartedAt:    p.startedAt,
	}
	if hs := p.handshake; hs != nil {
		info.Tools = append([]skill.ToolSpec(nil), hs.Tools...)
		if info.Instructions == "" {
			info.Instructions = hs.Instructions
		}
		if hs.ServerName != "" {
			info.Server = hs.ServerName + " " + hs.ServerVersion
		}
	}
	return info
}

// MarkSuspect flags the skill for a health check before its next call.
func (p *Process) MarkSuspect() { p.suspect.Store(true) }

// Suspect reports whether the skill must be health checked before use.
func (p *Process) Suspect() bool { return p.suspect.Load() }

// Queued returns the number of calls waiting for or holding the lane.
func (p *Process) Queued() int { return int(p.queued.Load()) }

// Call invokes a tool on the skill. Calls are serialized: a call waits until
// the previous one has been answered by the skill.
//
// The request is handed to the skill detached from ctx. When ctx ends, Call
// returns ctx.Err() at once but the lane stays held until the skill answers
// or exits, so a late reply can never be read as the answer to a later call.
func (p *Process) Call(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
	if p.State() != skill.StateActive {
		return nil, ErrNotServing
	}
	if n := p.queued.Add(1); p.maxQueue > 0 && n > p.maxQueue {
		p.queued.Add(-1)
		return nil, ErrQueueFull
	}
	select {
	case p.lane <- struct{}{}:
	case <-ctx.Done():
		p.queued.Add(-1)
		return nil, ctx.Err()
	}

	p.sup.mu.Lock()
	conn, active := p.conn, p.state == skill.StateActive
	p.sup.mu.Unlock()
	if conn == nil || !active {
		p.release()
		return nil, ErrNotServing
	}

	type reply struct {
		out *skill.Output
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer p.release()
		out, err := conn.Call(context.WithoutCancel(ctx), name, args)
		ch <- reply{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) release() {
	<-p.lane
	p.queued.Add(-1)
}

// probe pings the skill through its lane.
func (p *Process) probe(ctx context.Context) error {
	select {
	case p.lane <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.lane }()
	p.sup.mu.Lock()
	conn := p.conn
	p.sup.mu.Unlock()
	if conn == nil {
		return ErrNotServing
	}
	return conn.Ping(ctx)
}
