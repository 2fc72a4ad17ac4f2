//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package controller provides the builtin skill through which the model
// loads and unloads other skills.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/registry"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/tool"
)

// SkillName is the name the controller registers under.
const SkillName = "skills"

// Tool names offered by the controller.
const (
	ToolLoadSkill           = "load_skill"
	ToolUnloadSkill         = "unload_skill"
	ToolListLoadedSkills    = "list_loaded_skills"
	ToolListAvailableSkills = "list_available_skills"
)

const instructions = `Skills extend your toolset. Call list_available_skills to see what can
be loaded, load_skill to attach a skill and read its instructions, and
unload_skill once a skill is no longer needed.`

var nameSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"name": {"type": "string", "description": "Skill name."}},
	"required": ["name"]
}`)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Skills is the part of the supervisor the controller drives.
type Skills interface {
	Load(ctx context.Context, name string) (skill.Info, error)
	Unload(name string) error
	List() []skill.Info
	Catalog() skill.Catalog
}

// Schema exposes the currently registered tools.
type Schema interface {
	CurrentSchema() *registry.Snapshot
}

// Controller is an in-process skill.Conn.
type Controller struct {
	skills Skills
	schema Schema

	once sync.Once
	done chan struct{}
}

// New returns a controller driving skills. schema is consulted to report
// the tools a load made available.
func New(skills Skills, schema Schema) *Controller {
	return &Controller{skills: skills, schema: schema, done: make(chan struct{})}
}

// Spec describes the controller skill.
func (c *Controller) Spec() skill.Spec {
	return skill.Spec{
		Name:         SkillName,
		Description:  "Load, unload and list skills.",
		Instructions: instructions,
		Transport:    skill.TransportBuiltin,
	}
}

// Handshake implements skill.Conn.
func (c *Controller) Handshake(ctx context.Context) (*skill.Handshake, error) {
	return &skill.Handshake{
		ServerName:    "agent-ds-controller",
		ServerVersion: "1.0.0",
		Instructions:  instructions,
		Tools: []skill.ToolSpec{
			{Name: ToolLoadSkill, Description: "Start a skill and expose its tools. Returns the tool names and the skill's instructions.", InputSchema: nameSchema},
			{Name: ToolUnloadSkill, Description: "Stop a loaded skill and withdraw its tools.", InputSchema: nameSchema},
			{Name: ToolListLoadedSkills, Description: "List loaded skills with their state and tools.", InputSchema: emptySchema},
			{Name: ToolListAvailableSkills, Description: "List the skills that can be loaded.", InputSchema: emptySchema},
		},
	}, nil
}

// LoadResult is the payload of a successful load_skill call.
type LoadResult struct {
	Skill        string   `json:"skill"`
	State        string   `json:"state"`
	Tools        []string `json:"tools"`
	Instructions string   `json:"instructions,omitempty"`
}

// SkillSummary describes one skill in list results.
type SkillSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	State       string   `json:"state,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Builtin     bool     `json:"builtin,omitempty"`
	Restarts    int      `json:"restarts,omitempty"`
}

// Call implements skill.Conn.
func (c *Controller) Call(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
	switch name {
	case ToolLoadSkill:
		return c.load(ctx, args)
	case ToolUnloadSkill:
		return c.unload(args)
	case ToolListLoadedSkills:
		return c.listLoaded()
	case ToolListAvailableSkills:
		return c.listAvailable()
	}
	return failure(tool.Errorf(tool.KindUnknownTool, "controller has no tool %q", name)), nil
}

func (c *Controller) load(ctx context.Context, args map[string]any) (*skill.Output, error) {
	name, err := skillName(args)
	if err != nil {
		return failure(err), nil
	}
	if name == SkillName {
		return failure(tool.Errorf(tool.KindToolError, "skill %s is always loaded", SkillName)), nil
	}
	info, err := c.skills.Load(ctx, name)
	if err != nil {
		log.Infof("controller: load %s: %v", name, err)
		return failure(err), nil
	}
	res := LoadResult{
		Skill:        info.Name,
		State:        info.State.String(),
		Tools:        c.toolNames(info.Name),
		Instructions: info.Instructions,
	}
	return success(res)
}

func (c *Controller) unload(args map[string]any) (*skill.Output, error) {
	name, err := skillName(args)
	if err != nil {
		return failure(err), nil
	}
	if name == SkillName {
		return failure(tool.Errorf(tool.KindToolError, "the %s skill cannot unload itself", SkillName)), nil
	}
	if err := c.skills.Unload(name); err != nil {
		return failure(err), nil
	}
	return success(map[string]string{"skill": name, "state": skill.StateStopped.String()})
}

func (c *Controller) listLoaded() (*skill.Output, error) {
	infos := c.skills.List()
	out := make([]SkillSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SkillSummary{
			Name:        info.Name,
			Description: info.Description,
			State:       info.State.String(),
			Tools:       c.toolNames(info.Name),
			Builtin:     info.Builtin,
			Restarts:    info.Restarts,
		})
	}
	return success(out)
}

func (c *Controller) listAvailable() (*skill.Output, error) {
	loaded := map[string]skill.State{}
	for _, info := range c.skills.List() {
		loaded[info.Name] = info.State
	}
	specs := c.skills.Catalog().List()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	out := make([]SkillSummary, 0, len(specs))
	for _, spec := range specs {
		state := skill.StateUnloaded
		if s, ok := loaded[spec.Name]; ok {
			state = s
		}
		out = append(out, SkillSummary{
			Name:        spec.Name,
			Description: spec.Description,
			State:       state.String(),
		})
	}
	return success(out)
}

func (c *Controller) toolNames(skillName string) []string {
	defs := c.schema.CurrentSchema().SkillTools(skillName)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func skillName(args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return "", tool.Errorf(tool.KindInvalidArguments, "name must be a non-empty string")
	}
	return name, nil
}

func success(v any) (*skill.Output, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal controller result: %w", err)
	}
	return &skill.Output{Text: string(b)}, nil
}

func failure(err error) *skill.Output {
	kind := tool.KindOf(err)
	if kind == "" {
		kind = tool.KindToolError
	}
	msg := err.Error()
	var e *tool.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	return &skill.Output{Text: msg, IsError: true, Kind: string(kind)}
}

// Ping implements skill.Conn.
func (c *Controller) Ping(ctx context.Context) error { return nil }

// Shutdown implements skill.Conn.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Kill implements skill.Conn.
func (c *Controller) Kill() error { return c.Shutdown(context.Background()) }

// Done implements skill.Conn.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err implements skill.Conn.
func (c *Controller) Err() error { return nil }

var _ skill.Conn = (*Controller)(nil)
