//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package runner wires the supervisor, registry, dispatcher, controller and
// conversation engine into sessions.
package runner

import (
	"context"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-mcp-go"

	"github.com/zdwalter/agent-ds/controller"
	"github.com/zdwalter/agent-ds/conversation"
	"github.com/zdwalter/agent-ds/dispatch"
	itelemetry "github.com/zdwalter/agent-ds/internal/telemetry"
	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/model/openai"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/skill/remote"
	"github.com/zdwalter/agent-ds/skill/stdio"
	"github.com/zdwalter/agent-ds/supervisor"
)

// Option is a function that configures a Runner.
type Option func(*Runner)

// WithModel replaces the configured model backend.
func WithModel(m model.Model) Option {
	return func(r *Runner) { r.model = m }
}

// WithCatalog replaces the configured skill catalog.
func WithCatalog(c skill.Catalog) Option {
	return func(r *Runner) { r.catalog = c }
}

// WithLauncher registers a launcher for a transport, replacing the default.
func WithLauncher(transport string, l skill.Launcher) Option {
	return func(r *Runner) { r.launchers[transport] = l }
}

// Runner creates sessions. Sessions share the model backend and catalog
// but nothing mutable: each gets its own skill processes.
type Runner struct {
	cfg       Config
	model     model.Model
	catalog   skill.Catalog
	launchers map[string]skill.Launcher
}

// New creates a Runner from cfg.
func New(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	stdioLauncher := &stdio.Launcher{ClientName: itelemetry.ServiceName, ClientVersion: itelemetry.ServiceVersion}
	remoteLauncher := &remote.Launcher{ClientInfo: mcp.Implementation{Name: itelemetry.ServiceName, Version: itelemetry.ServiceVersion}}
	r := &Runner{
		cfg: cfg,
		launchers: map[string]skill.Launcher{
			skill.TransportStdio:      stdioLauncher,
			skill.TransportStreamable: remoteLauncher,
			skill.TransportSSE:        remoteLauncher,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.catalog == nil {
		r.catalog = cfg.catalog()
	}
	if r.model == nil {
		if cfg.Model.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		modelOpts := []openai.Option{openai.WithAPIKey(cfg.Model.APIKey)}
		if cfg.Model.BaseURL != "" {
			modelOpts = append(modelOpts, openai.WithBaseURL(cfg.Model.BaseURL))
		}
		if cfg.Model.Timeout > 0 {
			modelOpts = append(modelOpts, openai.WithHTTPClientOptions(openai.WithHTTPClientTimeout(cfg.Model.Timeout)))
		}
		r.model = openai.New(cfg.Model.Name, modelOpts...)
	}
	return r, nil
}

// Config returns the runner's configuration.
func (r *Runner) Config() Config { return r.cfg }

// Catalog returns the skill catalog.
func (r *Runner) Catalog() skill.Catalog { return r.catalog }

// Session is one isolated conversation with its own skills.
type Session struct {
	sup    *supervisor.Supervisor
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	engine *conversation.Engine
}

// SessionOption configures a session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	observer conversation.Observer
}

// WithObserver reports the session's progress to o.
func WithObserver(o conversation.Observer) SessionOption {
	return func(so *sessionOptions) { so.observer = o }
}

// NewSession starts a session: the controller skill is attached and the
// configured skills are autoloaded. Autoload failures are logged and do not
// fail the session.
func (r *Runner) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	so := &sessionOptions{}
	for _, opt := range opts {
		opt(so)
	}
	sc := r.cfg.Supervisor
	sup := supervisor.New(r.catalog,
		supervisor.WithHandshakeTimeout(sc.HandshakeTimeout),
		supervisor.WithShutdownGrace(sc.ShutdownGrace),
		supervisor.WithProbeTimeout(sc.ProbeTimeout),
		supervisor.WithReprobeDelay(sc.ReprobeDelay),
		supervisor.WithMaxRestarts(sc.MaxRestarts),
		supervisor.WithMaxQueue(sc.MaxQueue),
	)
	for transport, l := range r.launchers {
		sup.RegisterLauncher(transport, l)
	}
	reg := registry.New()
	sup.AddListener(reg)

	ctl := controller.New(sup, reg)
	if _, err := sup.LoadBuiltin(ctx, ctl.Spec(), ctl); err != nil {
		if cerr := sup.Close(ctx); cerr != nil {
			log.Warnf("runner: close skills after failed controller attach: %v", cerr)
		}
		return nil, fmt.Errorf("attach skill controller: %w", err)
	}
	disp, err := dispatch.New(reg, sup,
		dispatch.WithConcurrency(r.cfg.Dispatcher.Concurrency),
		dispatch.WithTimeout(r.cfg.Dispatcher.Timeout),
	)
	if err != nil {
		if cerr := sup.Close(ctx); cerr != nil {
			log.Warnf("runner: close skills after failed dispatcher setup: %v", cerr)
		}
		return nil, err
	}

	engineOpts := []conversation.Option{
		conversation.WithTurnBudget(r.cfg.Engine.TurnBudget),
		conversation.WithSystemFunc(func() string { return systemPrompt(r.cfg.Engine.System, r.catalog, sup.List()) }),
		conversation.WithGenerationConfig(model.GenerationConfig{
			Stream:      r.cfg.Model.Stream,
			Temperature: r.cfg.Model.Temperature,
			MaxTokens:   r.cfg.Model.MaxTokens,
		}),
	}
	if so.observer != nil {
		engineOpts = append(engineOpts, conversation.WithObserver(so.observer))
	}
	s := &Session{
		sup:    sup,
		reg:    reg,
		disp:   disp,
		engine: conversation.New(r.model, reg, disp, engineOpts...),
	}
	for _, name := range r.cfg.Skills.Autoload {
		if _, err := sup.Load(ctx, name); err != nil {
			log.Warnf("runner: autoload %s: %v", name, err)
		}
	}
	log.Infof("runner: session %s started with %d tools", s.ID(), reg.CurrentSchema().Len())
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.engine.Session().ID }

// Ask runs one exchange.
func (s *Session) Ask(ctx context.Context, input string) (*conversation.Result, error) {
	return s.engine.Ask(ctx, input)
}

// Reset clears the conversation history. Loaded skills stay loaded.
func (s *Session) Reset() error { return s.engine.Reset() }

// Engine returns the session's conversation engine.
func (s *Session) Engine() *conversation.Engine { return s.engine }

// Skills lists the loaded skills.
func (s *Session) Skills() []skill.Info { return s.sup.List() }

// Load attaches a skill outside of the conversation.
func (s *Session) Load(ctx context.Context, name string) (skill.Info, error) {
	return s.sup.Load(ctx, name)
}

// Unload detaches a skill outside of the conversation.
func (s *Session) Unload(name string) error { return s.sup.Unload(name) }

// Tools returns the qualified names of the callable tools.
func (s *Session) Tools() []string { return s.reg.CurrentSchema().Names() }

// Close stops every skill of the session and waits for them or ctx.
func (s *Session) Close(ctx context.Context) error {
	s.disp.Close()
	err := s.sup.Close(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warnf("runner: session %s: skills still stopping at close", s.ID())
	}
	return err
}
