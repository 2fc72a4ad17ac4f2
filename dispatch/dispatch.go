//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package dispatch routes tool calls requested by the model to the skills
// that own them.
//
// Calls to one skill run one at a time in request order. Calls to distinct
// skills run concurrently on a bounded worker pool. Every call is bounded by
// a timeout and always yields a Result; nothing here fails a conversation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	itelemetry "github.com/zdwalter/agent-ds/internal/telemetry"
	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/supervisor"
	imetric "github.com/zdwalter/agent-ds/telemetry/metric"
	"github.com/zdwalter/agent-ds/telemetry/trace"
	"github.com/zdwalter/agent-ds/tool"
)

// Defaults.
const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

// Resolver finds tool definitions. *registry.Registry implements it.
type Resolver interface {
	Lookup(name string) (*tool.Definition, bool)
}

// Skills gives access to running skills. *supervisor.Supervisor implements it.
type Skills interface {
	Process(name string) (*supervisor.Process, bool)
	HealthCheck(ctx context.Context, name string) (skill.State, error)
}

type options struct {
	concurrency int
	timeout     time.Duration
}

// Option configures a Dispatcher.
type Option func(*options)

// WithConcurrency bounds how many skills are called at the same time.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Dispatcher executes tool calls.
type Dispatcher struct {
	resolver Resolver
	skills   Skills
	timeout  time.Duration
	pool     *ants.Pool

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// New returns a Dispatcher. Close releases its worker pool.
func New(resolver Resolver, skills Skills, opts ...Option) (*Dispatcher, error) {
	o := options{concurrency: DefaultConcurrency, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(o.concurrency)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	calls, err := imetric.Meter.Int64Counter("agentds.tool.calls",
		metric.WithDescription("Tool calls by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}
	duration, err := imetric.Meter.Float64Histogram("agentds.tool.duration",
		metric.WithDescription("Tool call latency."), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &Dispatcher{
		resolver: resolver,
		skills:   skills,
		timeout:  o.timeout,
		pool:     pool,
		calls:    calls,
		duration: duration,
	}, nil
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Timeout returns the per-call timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch executes one call.
func (d *Dispatcher) Dispatch(ctx context.Context, req tool.Request) tool.Result {
	start := time.Now()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNamePrefixExecuteTool+" "+req.Tool)
	defer span.End()

	def, _ := d.resolver.Lookup(req.Tool)
	res := d.execute(ctx, def, req)
	res.ID, res.Tool = req.ID, req.Tool
	res.Duration = time.Since(start)

	itelemetry.TraceToolCall(span, def, req, res)
	outcome := "ok"
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
		log.Debugf("dispatch: %s (%s) failed: %s: %s", req.Tool, req.ID, res.Failure.Kind, res.Failure.Message)
	}
	attrs := metric.WithAttributes(attribute.String("tool", req.Tool), attribute.String("outcome", outcome))
	d.calls.Add(ctx, 1, attrs)
	d.duration.Record(ctx, res.Duration.Seconds(), attrs)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, def *tool.Definition, req tool.Request) (res tool.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch: panic while calling %s: %v", req.Tool, r)
			res = tool.Fail(req, tool.KindToolError, fmt.Sprintf("tool panicked: %v", r), 0)
		}
	}()

	if def == nil {
		return tool.Fail(req, tool.KindUnknownTool, fmt.Sprintf("tool %q is not available", req.Tool), 0)
	}
	if err := def.ValidateArguments(req.Arguments); err != nil {
		return tool.Fail(req, tool.KindInvalidArguments, err.Error(), 0)
	}
	p, ok := d.skills.Process(def.Skill)
	if !ok {
		return tool.Fail(req, tool.KindUnknownTool, fmt.Sprintf("tool %q is not available: skill %s is not loaded", req.Tool, def.Skill), 0)
	}
	if p.Suspect() {
		state, err := d.skills.HealthCheck(ctx, def.Skill)
		if err != nil {
			return tool.FailWithError(req, err, 0)
		}
		if state != skill.StateActive {
			return tool.Fail(req, tool.KindSubprocessCrashed, fmt.Sprintf("skill %s is %s", def.Skill, state), 0)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := p.Call(cctx, def.Tool, req.Arguments)
	switch {
	case err == nil && out == nil:
		return tool.Success(req, "", 0)
	case err == nil && out.IsError:
		kind := tool.ErrorKind(out.Kind)
		if kind == "" {
			kind = tool.KindToolError
		}
		return tool.Fail(req, kind, out.Text, 0)
	case err == nil:
		return tool.Success(req, out.Text, 0)
	case errors.Is(err, supervisor.ErrQueueFull):
		return tool.Fail(req, tool.KindOverloaded, fmt.Sprintf("skill %s has too many pending calls", def.Skill), 0)
	case errors.Is(err, supervisor.ErrNotServing):
		return tool.Fail(req, tool.KindUnknownTool, fmt.Sprintf("tool %q is not available: skill %s is %s", req.Tool, def.Skill, p.State()), 0)
	case ctx.Err() != nil:
		p.MarkSuspect()
		return tool.Fail(req, tool.KindTimeout, fmt.Sprintf("call abandoned: %v", ctx.Err()), 0)
	case errors.Is(err, context.DeadlineExceeded):
		p.MarkSuspect()
		return tool.Fail(req, tool.KindTimeout, fmt.Sprintf("no answer from %s within %s", def.Skill, d.timeout), 0)
	default:
		p.MarkSuspect()
		return tool.Fail(req, tool.KindSubprocessCrashed, err.Error(), 0)
	}
}

// DispatchBatch executes the calls of one model turn and returns their
// results in request order. Calls owned by the same skill run sequentially
// in request order; distinct skills proceed concurrently.
//
// Calls to builtin tools are barriers: they run alone, after every earlier
// call of the batch and before any later one. A later call therefore sees
// the tools a load_skill or unload_skill left behind.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []tool.Request) []tool.Result {
	results := make([]tool.Result, len(reqs))
	start := 0
	for i, req := range reqs {
		def, ok := d.resolver.Lookup(req.Tool)
		if !ok || !def.Builtin {
			continue
		}
		d.dispatchSegment(ctx, reqs, results, start, i)
		results[i] = d.Dispatch(ctx, req)
		start = i + 1
	}
	d.dispatchSegment(ctx, reqs, results, start, len(reqs))
	return results
}

// dispatchSegment runs reqs[from:to], none of which is a barrier. Owning
// skills are resolved when the segment starts.
func (d *Dispatcher) dispatchSegment(ctx context.Context, reqs []tool.Request, results []tool.Result, from, to int) {
	if from >= to {
		return
	}

	// Group request indexes by owning skill. Unresolvable calls fail fast
	// and form their own groups.
	var groups [][]int
	bySkill := map[string]int{}
	for i := from; i < to; i++ {
		def, ok := d.resolver.Lookup(reqs[i].Tool)
		if !ok {
			groups = append(groups, []int{i})
			continue
		}
		g, seen := bySkill[def.Skill]
		if !seen {
			g = len(groups)
			bySkill[def.Skill] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		group := group
		wg.Add(1)
		run := func() {
			defer wg.Done()
			for _, i := range group {
				results[i] = d.Dispatch(ctx, reqs[i])
			}
		}
		if err := d.pool.Submit(run); err != nil {
			log.Warnf("dispatch: pool rejected work: %v", err)
			for _, i := range group {
				results[i] = tool.Fail(reqs[i], tool.KindOverloaded, fmt.Sprintf("dispatcher unavailable: %v", err), 0)
			}
			wg.Done()
		}
	}
	wg.Wait()
}
