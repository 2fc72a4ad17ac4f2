//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxNameLength bounds qualified tool names. OpenAI-compatible backends
// reject function names longer than 64 characters.
const maxNameLength = 64

// NewDefinition builds a Definition for the tool localName of skillName.
// Builtin tools are registered without a namespace.
//
// NewDefinition fails when the schema is structurally invalid: a root that is
// not an object schema, a property with an unknown type, a required entry that
// names no property, or a document the JSON Schema compiler refuses.
func NewDefinition(skillName, localName, description string, inputSchema json.RawMessage, builtin bool) (*Definition, error) {
	if localName == "" {
		return nil, errors.New("tool name is empty")
	}
	if strings.Contains(localName, Separator) {
		return nil, fmt.Errorf("tool name %q contains reserved separator %q", localName, Separator)
	}
	name := localName
	if !builtin {
		name = QualifiedName(skillName, localName)
	}
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("tool name %q exceeds %d characters", name, maxNameLength)
	}
	if len(inputSchema) == 0 || string(inputSchema) == "null" {
		inputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	params, err := parseParameters(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(inputSchema))
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return &Definition{
		Name:        name,
		Skill:       skillName,
		Tool:        localName,
		Description: description,
		Parameters:  params,
		InputSchema: append(json.RawMessage(nil), inputSchema...),
		Builtin:     builtin,
		compiled:    compiled,
	}, nil
}

func parseParameters(raw json.RawMessage) ([]Parameter, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("schema is not a JSON object: %w", err)
	}
	if t, ok := root["type"]; ok && t != string(KindObject) {
		return nil, fmt.Errorf("schema root type is %v, want object", t)
	}
	props := map[string]any{}
	if p, ok := root["properties"]; ok {
		m, ok := p.(map[string]any)
		if !ok {
			return nil, errors.New("schema properties is not an object")
		}
		props = m
	}
	required := map[string]bool{}
	if r, ok := root["required"]; ok {
		list, ok := r.([]any)
		if !ok {
			return nil, errors.New("schema required is not an array")
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entry %v is not a string", item)
			}
			if _, ok := props[name]; !ok {
				return nil, fmt.Errorf("required parameter %q is not declared", name)
			}
			required[name] = true
		}
	}
	params := make([]Parameter, 0, len(props))
	for name, p := range props {
		if name == "" {
			return nil, errors.New("parameter with empty name")
		}
		prop, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %q schema is not an object", name)
		}
		kind, err := propertyKind(prop)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		param := Parameter{Name: name, Kind: kind, Required: required[name]}
		if d, ok := prop["description"].(string); ok {
			param.Description = d
		}
		if e, ok := prop["enum"].([]any); ok {
			param.Enum = e
		}
		params = append(params, param)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params, nil
}

// propertyKind maps a property's "type" to a Kind. Nullable unions such as
// ["string","null"] collapse to the non-null member.
func propertyKind(prop map[string]any) (Kind, error) {
	t, ok := prop["type"]
	if !ok {
		return KindAny, nil
	}
	switch v := t.(type) {
	case string:
		k := Kind(v)
		if !k.valid() || k == KindAny {
			return "", fmt.Errorf("unknown type %q", v)
		}
		return k, nil
	case []any:
		var kinds []Kind
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("type entry %v is not a string", item)
			}
			if s == "null" {
				continue
			}
			k := Kind(s)
			if !k.valid() || k == KindAny {
				return "", fmt.Errorf("unknown type %q", s)
			}
			kinds = append(kinds, k)
		}
		if len(kinds) == 1 {
			return kinds[0], nil
		}
		return KindAny, nil
	default:
		return "", fmt.Errorf("type %v is neither a string nor a list", t)
	}
}

// ValidateArguments checks args against the definition before any skill is
// contacted. It enforces the parameter descriptors first and then the full
// JSON schema.
func (d *Definition) ValidateArguments(args map[string]any) error {
	known := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		known[p.Name] = true
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		if !p.Kind.accepts(v) {
			return fmt.Errorf("argument %q must be %s, got %s", p.Name, p.Kind, jsonKind(v))
		}
	}
	if d.compiled == nil {
		return nil
	}
	// Round trip so the validator sees plain JSON values.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	if err := d.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (k Kind) accepts(v any) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBoolean:
		_, ok := v.(bool)
		return ok
	case KindNumber:
		_, ok := number(v)
		return ok
	case KindInteger:
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	case KindArray:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
