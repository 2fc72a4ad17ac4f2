//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package registry aggregates the tools of all active skills into the single
// namespaced schema offered to the model.
//
// Readers get immutable snapshots. Writers build a new snapshot and publish
// it with one atomic swap, so a reader sees either the state before or after
// a load or unload and never a mix.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/tool"
)

// Snapshot is an immutable view of the registered tools.
type Snapshot struct {
	version uint64
	tools   []*tool.Definition
	byName  map[string]*tool.Definition
	bySkill map[string][]*tool.Definition
}

var empty = &Snapshot{
	byName:  map[string]*tool.Definition{},
	bySkill: map[string][]*tool.Definition{},
}

// Version increases with every published change.
func (s *Snapshot) Version() uint64 { return s.version }

// Tools returns the definitions ordered by qualified name.
func (s *Snapshot) Tools() []*tool.Definition {
	return append([]*tool.Definition(nil), s.tools...)
}

// Len returns the number of tools.
func (s *Snapshot) Len() int { return len(s.tools) }

// Lookup returns the definition with the given qualified name.
func (s *Snapshot) Lookup(name string) (*tool.Definition, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Names returns the qualified names, in order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.tools))
	for i, d := range s.tools {
		names[i] = d.Name
	}
	return names
}

// SkillTools returns the definitions owned by a skill.
func (s *Snapshot) SkillTools(skillName string) []*tool.Definition {
	return append([]*tool.Definition(nil), s.bySkill[skillName]...)
}

// Skills returns the names of skills that currently contribute tools.
func (s *Snapshot) Skills() []string {
	names := make([]string, 0, len(s.bySkill))
	for name := range s.bySkill {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the current tool schema.
type Registry struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[Snapshot]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.cur.Store(empty)
	return r
}

// CurrentSchema returns the latest snapshot. It never blocks on writers.
func (r *Registry) CurrentSchema() *Snapshot {
	return r.cur.Load()
}

// Lookup resolves a qualified tool name against the current snapshot.
func (r *Registry) Lookup(name string) (*tool.Definition, bool) {
	return r.cur.Load().Lookup(name)
}

// Register publishes the tools of an active skill, replacing whatever the
// skill had registered before. Tools with structurally invalid schemas or
// clashing names are dropped and reported in the returned error; the rest
// are registered.
func (r *Registry) Register(info skill.Info) ([]*tool.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()
	var (
		defs []*tool.Definition
		errs []error
		seen = map[string]bool{}
	)
	for _, spec := range info.Tools {
		def, err := tool.NewDefinition(info.Name, spec.Name, spec.Description, spec.InputSchema, info.Builtin)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("tool %s: declared twice", def.Name))
			continue
		}
		if other, ok := old.byName[def.Name]; ok && other.Skill != info.Name {
			errs = append(errs, fmt.Errorf("tool %s: already provided by skill %s", def.Name, other.Skill))
			continue
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}
	for _, err := range errs {
		log.Warnf("registry: skill %s: dropping %v", info.Name, err)
	}
	r.publish(old, info.Name, defs)
	log.Debugf("registry: skill %s registered %d tools", info.Name, len(defs))
	return defs, errors.Join(errs...)
}

// Unregister removes every tool of a skill and reports how many were removed.
func (r *Registry) Unregister(skillName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()
	n := len(old.bySkill[skillName])
	if n == 0 {
		return 0
	}
	r.publish(old, skillName, nil)
	log.Debugf("registry: skill %s unregistered %d tools", skillName, n)
	return n
}

// OnSkillStateChange keeps the registry equal to the tools of active skills.
func (r *Registry) OnSkillStateChange(info skill.Info) {
	if info.State == skill.StateActive {
		_, _ = r.Register(info)
		return
	}
	r.Unregister(info.Name)
}

// publish swaps in a snapshot where skillName owns exactly defs.
// Callers hold r.mu.
func (r *Registry) publish(old *Snapshot, skillName string, defs []*tool.Definition) {
	next := &Snapshot{
		version: old.version + 1,
		byName:  make(map[string]*tool.Definition, len(old.byName)+len(defs)),
		bySkill: make(map[string][]*tool.Definition, len(old.bySkill)+1),
	}
	for name, owned := range old.bySkill {
		if name == skillName {
			continue
		}
		next.bySkill[name] = owned
		for _, d := range owned {
			next.byName[d.Name] = d
		}
	}
	if len(defs) > 0 {
		owned := append([]*tool.Definition(nil), defs...)
		sort.Slice(owned, func(i, j int) bool { return owned[i].Name < owned[j].Name })
		next.bySkill[skillName] = owned
		for _, d := range owned {
			next.byName[d.Name] = d
		}
	}
	next.tools = make([]*tool.Definition, 0, len(next.byName))
	for _, d := range next.byName {
		next.tools = append(next.tools, d)
	}
	sort.Slice(next.tools, func(i, j int) bool { return next.tools[i].Name < next.tools[j].Name })
	r.cur.Store(next)
}
