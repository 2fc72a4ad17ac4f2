//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package supervisor owns the lifecycle of skill processes: start and
// handshake, health checks, crash handling and termination.
//
// Only the supervisor mutates skill state. Every transition is reported to
// listeners, in order, while the supervisor lock is held, so a listener such
// as the tool registry always mirrors the set of active skills.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/tool"
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("supervisor closed")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Listener observes skill state transitions. It is called with the
// supervisor lock held and must not call back into the Supervisor.
type Listener interface {
	OnSkillStateChange(info skill.Info)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(info skill.Info)

// OnSkillStateChange calls f.
func (f ListenerFunc) OnSkillStateChange(info skill.Info) { f(info) }

// Supervisor manages the skills of one session.
type Supervisor struct {
	catalog   skill.Catalog
	launchers map[string]skill.Launcher
	opts      options

	mu        sync.Mutex
	procs     map[string]*Process
	listeners []Listener
	closed    bool

	loads singleflight.Group
	// bg tracks teardowns and re-probes so Close can wait for them.
	bg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Supervisor resolving skills through catalog.
func New(catalog skill.Catalog, opts ...Option) *Supervisor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if catalog == nil {
		catalog = skill.StaticCatalog{}
	}
	return &Supervisor{
		catalog:   catalog,
		launchers: map[string]skill.Launcher{},
		opts:      o,
		procs:     map[string]*Process{},
		done:      make(chan struct{}),
	}
}

// RegisterLauncher sets the launcher for a transport name.
func (s *Supervisor) RegisterLauncher(transport string, l skill.Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchers[transport] = l
}

// AddListener subscribes l to state transitions.
func (s *Supervisor) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Catalog returns the catalog skills are resolved from.
func (s *Supervisor) Catalog() skill.Catalog { return s.catalog }

// setState records a transition and notifies listeners. Callers hold s.mu.
func (s *Supervisor) setState(p *Process, state skill.State) {
	p.state = state
	info := p.infoLocked()
	log.Debugf("supervisor: skill %s -> %s", p.spec.Name, state)
	for _, l := range s.listeners {
		l.OnSkillStateChange(info)
	}
}

// Load starts the named skill and waits until it is Active. Loading an
// active skill returns its current info. Concurrent loads of one skill share
// a single start attempt.
func (s *Supervisor) Load(ctx context.Context, name string) (skill.Info, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return skill.Info{}, ErrClosed
	}
	if p, ok := s.procs[name]; ok && p.state == skill.StateActive {
		info := p.infoLocked()
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loads.Do(name, func() (any, error) {
		return s.load(ctx, name)
	})
	if err != nil {
		return skill.Info{}, err
	}
	return v.(skill.Info), nil
}

func (s *Supervisor) load(ctx context.Context, name string) (skill.Info, error) {
	if !validName.MatchString(name) || strings.Contains(name, tool.Separator) {
		return skill.Info{}, tool.Errorf(tool.KindSkillNotFound, "invalid skill name %q", name)
	}
	spec, err := s.catalog.Resolve(name)
	if err != nil {
		if errors.Is(err, skill.ErrNotFound) {
			return skill.Info{}, tool.Errorf(tool.KindSkillNotFound, "no skill named %q", name)
		}
		return skill.Info{}, tool.Wrap(tool.KindSkillStartFailed, err, "resolve %s", name)
	}
	spec.Name = name

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return skill.Info{}, ErrClosed
	}
	if p, ok := s.procs[name]; ok {
		// Unresponsive or restarting: the existing process stays in charge.
		info := p.infoLocked()
		s.mu.Unlock()
		if info.State == skill.StateActive {
			return info, nil
		}
		return info, tool.Errorf(tool.KindSkillStartFailed, "skill %s is %s", name, info.State)
	}
	p := newProcess(s, spec, false)
	s.procs[name] = p
	s.setState(p, skill.StateStarting)
	s.mu.Unlock()

	conn, hs, err := s.start(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[name] != p || p.stopping {
		// Unloaded while starting.
		if conn != nil {
			s.discard(conn)
		}
		return skill.Info{}, tool.Errorf(tool.KindSkillStartFailed, "skill %s was unloaded while starting", name)
	}
	if err != nil {
		delete(s.procs, name)
		s.setState(p, skill.StateStopped)
		return skill.Info{}, err
	}
	s.activate(p, conn, hs)
	log.Infof("supervisor: skill %s loaded with %d tools", name, len(hs.Tools))
	return p.infoLocked(), nil
}

// start launches a skill and completes its handshake. On any failure the
// process is killed and a SkillStartFailed error returned.
func (s *Supervisor) start(ctx context.Context, spec skill.Spec) (skill.Conn, *skill.Handshake, error) {
	s.mu.Lock()
	launcher, ok := s.launchers[spec.TransportName()]
	s.mu.Unlock()
	if !ok {
		return nil, nil, tool.Errorf(tool.KindSkillStartFailed, "skill %s: no launcher for transport %q", spec.Name, spec.TransportName())
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout)
	defer cancel()
	conn, err := launcher.Launch(hctx, spec)
	if err != nil {
		return nil, nil, tool.Wrap(tool.KindSkillStartFailed, err, "launch %s", spec.Name)
	}
	hs, err := conn.Handshake(hctx)
	if err != nil {
		if kerr := conn.Kill(); kerr != nil {
			log.Warnf("supervisor: kill %s after failed handshake: %v", spec.Name, kerr)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, tool.Wrap(tool.KindSkillStartFailed, err, "skill %s did not complete its handshake within %s", spec.Name, s.opts.handshakeTimeout)
		}
		return nil, nil, tool.Wrap(tool.KindSkillStartFailed, err, "handshake with %s", spec.Name)
	}
	return conn, hs, nil
}

// activate installs a started connection. Callers hold s.mu.
func (s *Supervisor) activate(p *Process, conn skill.Conn, hs *skill.Handshake) {
	p.conn = conn
	p.handshake = hs
	p.generation++
	p.strikes = 0
	p.startedAt = time.Now()
	p.suspect.Store(false)
	s.setState(p, skill.StateActive)
	go s.watch(p, conn)
}

// LoadBuiltin attaches an in-process skill. Builtin skills are pinned: they
// cannot be unloaded and their tools are not namespaced.
func (s *Supervisor) LoadBuiltin(ctx context.Context, spec skill.Spec, conn skill.Conn) (skill.Info, error) {
	hs, err := conn.Handshake(ctx)
	if err != nil {
		return skill.Info{}, tool.Wrap(tool.KindSkillStartFailed, err, "handshake with builtin %s", spec.Name)
	}
	spec.Transport = skill.TransportBuiltin
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return skill.Info{}, ErrClosed
	}
	if _, ok := s.procs[spec.Name]; ok {
		return skill.Info{}, fmt.Errorf("skill %s is already loaded", spec.Name)
	}
	p := newProcess(s, spec, true)
	s.procs[spec.Name] = p
	s.activate(p, conn, hs)
	return p.infoLocked(), nil
}

// Unload stops a skill. Its tools are withdrawn before Unload returns;
// process termination continues in the background, gracefully at first and
// forcibly once the grace period is over.
func (s *Supervisor) Unload(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return tool.Errorf(tool.KindSkillNotLoaded, "skill %s is not loaded", name)
	}
	if p.builtin {
		return tool.Errorf(tool.KindToolError, "skill %s is builtin and cannot be unloaded", name)
	}
	s.remove(p, false)
	log.Infof("supervisor: skill %s unloaded", name)
	return nil
}

// remove drops p from the session and tears its process down. Callers hold s.mu.
func (s *Supervisor) remove(p *Process, force bool) {
	delete(s.procs, p.spec.Name)
	p.stopping = true
	s.setState(p, skill.StateStopped)
	if p.conn != nil {
		s.teardown(p.conn, force)
	}
}

// teardown ends a process in the background. Callers hold s.mu.
func (s *Supervisor) teardown(conn skill.Conn, force bool) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if !force {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownGrace)
			err := conn.Shutdown(ctx)
			cancel()
			if err == nil {
				return
			}
			log.Debugf("supervisor: graceful shutdown failed, killing: %v", err)
		}
		if err := conn.Kill(); err != nil {
			log.Warnf("supervisor: kill: %v", err)
		}
		select {
		case <-conn.Done():
		case <-time.After(s.opts.shutdownGrace):
			log.Warnf("supervisor: process did not exit after kill")
		}
	}()
}

// discard kills a connection nobody owns any more. Once Close has begun
// waiting no new background work is started. Callers hold s.mu.
func (s *Supervisor) discard(conn skill.Conn) {
	if !s.closed {
		s.teardown(conn, true)
		return
	}
	if err := conn.Kill(); err != nil {
		log.Warnf("supervisor: kill: %v", err)
	}
}

// watch handles an unexpected exit of conn.
func (s *Supervisor) watch(p *Process, conn skill.Conn) {
	<-conn.Done()
	s.mu.Lock()
	if p.stopping || p.conn != conn || s.procs[p.spec.Name] != p {
		s.mu.Unlock()
		return
	}
	log.Warnf("supervisor: skill %s exited unexpectedly: %v", p.spec.Name, conn.Err())
	if p.restarts >= s.opts.maxRestarts || s.closed {
		s.remove(p, true)
		s.mu.Unlock()
		return
	}
	p.restarts++
	p.conn = nil
	s.setState(p, skill.StateStarting)
	s.bg.Add(1)
	s.mu.Unlock()

	defer s.bg.Done()
	s.restart(p)
}

func (s *Supervisor) restart(p *Process) {
	log.Infof("supervisor: restarting skill %s (attempt %d of %d)", p.spec.Name, p.restarts, s.opts.maxRestarts)
	conn, hs, err := s.start(context.Background(), p.spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.stopping || s.procs[p.spec.Name] != p {
		if conn != nil {
			s.discard(conn)
		}
		return
	}
	if err != nil {
		log.Errorf("supervisor: restart of %s failed: %v", p.spec.Name, err)
		s.remove(p, true)
		return
	}
	s.activate(p, conn, hs)
}

// HealthCheck probes a skill. A skill that fails a probe becomes
// Unresponsive and its tools are withdrawn; it is probed once more after a
// delay. Two consecutive failures unload it and report SubprocessCrashed.
// A successful probe restores an Unresponsive skill.
func (s *Supervisor) HealthCheck(ctx context.Context, name string) (skill.State, error) {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return skill.StateUnloaded, tool.Errorf(tool.KindSkillNotLoaded, "skill %s is not loaded", name)
	}
	return s.check(ctx, p)
}

func (s *Supervisor) check(ctx context.Context, p *Process) (skill.State, error) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.probeTimeout)
	err := p.probe(pctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.stopping || s.procs[p.spec.Name] != p {
		return skill.StateStopped, tool.Errorf(tool.KindSkillNotLoaded, "skill %s is not loaded", p.spec.Name)
	}
	if p.state == skill.StateStarting {
		return p.state, nil
	}
	if err == nil {
		p.strikes = 0
		p.suspect.Store(false)
		if p.state != skill.StateActive {
			log.Infof("supervisor: skill %s is responsive again", p.spec.Name)
			s.setState(p, skill.StateActive)
		}
		return skill.StateActive, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the skill.
		return p.state, ctx.Err()
	}

	p.strikes++
	log.Warnf("supervisor: skill %s failed health check (%d): %v", p.spec.Name, p.strikes, err)
	if p.strikes >= 2 {
		s.remove(p, true)
		return skill.StateStopped, tool.Errorf(tool.KindSubprocessCrashed, "skill %s was unresponsive twice and has been unloaded", p.spec.Name)
	}
	s.setState(p, skill.StateUnresponsive)
	s.bg.Add(1)
	go s.reprobe(p)
	return skill.StateUnresponsive, nil
}

func (s *Supervisor) reprobe(p *Process) {
	defer s.bg.Done()
	t := time.NewTimer(s.opts.reprobeDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.done:
		return
	}
	s.mu.Lock()
	current := !p.stopping && s.procs[p.spec.Name] == p && p.state == skill.StateUnresponsive
	s.mu.Unlock()
	if current {
		_, _ = s.check(context.Background(), p)
	}
}

// Process returns the handle of a loaded skill.
func (s *Supervisor) Process(name string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

// Info returns the snapshot of a skill. Skills that are not loaded are
// reported as Unloaded.
func (s *Supervisor) Info(name string) skill.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[name]; ok {
		return p.infoLocked()
	}
	return skill.Info{Name: name, State: skill.StateUnloaded}
}

// List returns all loaded skills ordered by name.
func (s *Supervisor) List() []skill.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]skill.Info, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, p.infoLocked())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Close unloads every skill, builtins included, and waits for background
// work to finish or ctx to end.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.closed = true
	for _, p := range s.procs {
		s.remove(p, false)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
