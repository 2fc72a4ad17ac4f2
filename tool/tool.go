//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package tool defines the vocabulary shared by the registry, the dispatcher
// and the conversation engine: tool definitions, call requests, call results
// and the failure taxonomy.
package tool

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Separator joins a skill name and a local tool name into a qualified name.
const Separator = "__"

// QualifiedName returns the namespaced name of a tool owned by a skill.
func QualifiedName(skillName, toolName string) string {
	return skillName + Separator + toolName
}

// SplitQualifiedName splits a qualified name into skill and local tool name.
// ok is false when name carries no namespace.
func SplitQualifiedName(name string) (skillName, toolName string, ok bool) {
	i := strings.Index(name, Separator)
	if i <= 0 || i+len(Separator) >= len(name) {
		return "", name, false
	}
	return name[:i], name[i+len(Separator):], true
}

// Kind is the type tag of a parameter descriptor.
type Kind string

// Parameter kinds understood by the argument checker.
const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	// KindAny accepts any JSON value. Used when a property declares no type.
	KindAny Kind = "any"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindInteger, KindBoolean, KindArray, KindObject, KindAny:
		return true
	}
	return false
}

// Parameter is one argument descriptor of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Definition describes one callable tool as presented to the model.
//
// A Definition is immutable once built. The registry replaces definitions
// wholesale when a skill reloads.
type Definition struct {
	// Name is the qualified name visible to the model.
	Name string `json:"name"`
	// Skill is the owning skill. It is a lookup key, not an owning reference.
	Skill string `json:"skill"`
	// Tool is the tool name local to the skill, used on the wire.
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
	// Parameters are ordered by name.
	Parameters []Parameter `json:"parameters"`
	// InputSchema is the JSON schema as declared by the skill.
	InputSchema json.RawMessage `json:"inputSchema"`
	// Builtin marks tools of in-process skills, which are not namespaced.
	Builtin bool `json:"builtin,omitempty"`

	compiled *jsonschema.Schema
}
