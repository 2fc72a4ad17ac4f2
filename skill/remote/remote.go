//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package remote connects to skills served over HTTP, either with the MCP
// streamable transport or with SSE.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/skill"
)

var defaultClientInfo = mcp.Implementation{
	Name:    "agent-ds",
	Version: "0.1.0",
}

// ErrClosed is returned after the connection has been shut down.
var ErrClosed = errors.New("remote skill closed")

// Launcher connects to remote skills. Nothing is spawned: the skill is
// expected to be running at spec.URL.
type Launcher struct {
	ClientInfo mcp.Implementation
}

// Launch implements skill.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec skill.Spec) (skill.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := l.createClient(spec)
	if err != nil {
		return nil, err
	}
	return &Conn{name: spec.Name, client: client, done: make(chan struct{})}, nil
}

func (l *Launcher) createClient(spec skill.Spec) (mcp.Connector, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("skill %s: url is required for %s transport", spec.Name, spec.TransportName())
	}
	clientInfo := l.ClientInfo
	if clientInfo.Name == "" {
		clientInfo = defaultClientInfo
	}
	var options []mcp.ClientOption
	if len(spec.Headers) > 0 {
		headers := http.Header{}
		for k, v := range spec.Headers {
			headers.Set(k, v)
		}
		options = append(options, mcp.WithHTTPHeaders(headers))
	}
	switch spec.TransportName() {
	case skill.TransportSSE:
		return mcp.NewSSEClient(spec.URL, clientInfo, options...)
	case skill.TransportStreamable:
		return mcp.NewClient(spec.URL, clientInfo, options...)
	default:
		return nil, fmt.Errorf("skill %s: unsupported transport %q", spec.Name, spec.Transport)
	}
}

// Conn is a session with a remote skill.
type Conn struct {
	name   string
	client mcp.Connector

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Handshake implements skill.Conn.
func (c *Conn) Handshake(ctx context.Context) (*skill.Handshake, error) {
	initResp, err := c.client.Initialize(ctx, &mcp.InitializeRequest{})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	log.Debugf("skill %s: connected to %s %s (protocol %s)", c.name,
		initResp.ServerInfo.Name, initResp.ServerInfo.Version, initResp.ProtocolVersion)

	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, err
	}
	return &skill.Handshake{
		ServerName:      initResp.ServerInfo.Name,
		ServerVersion:   initResp.ServerInfo.Version,
		ProtocolVersion: initResp.ProtocolVersion,
		Tools:           tools,
	}, nil
}

func (c *Conn) listTools(ctx context.Context) ([]skill.ToolSpec, error) {
	listResp, err := c.client.ListTools(ctx, &mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	specs := make([]skill.ToolSpec, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		spec := skill.ToolSpec{Name: t.Name, Description: t.Description}
		if b, err := json.Marshal(t.InputSchema); err == nil && string(b) != "null" {
			spec.InputSchema = b
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Call implements skill.Conn.
func (c *Conn) Call(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	callReq := &mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args
	callResp, err := c.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return decodeResult(callResp)
}

// decodeResult goes through the wire form so that isError and non-text
// content survive regardless of the concrete content types.
func decodeResult(res any) (*skill.Output, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	var wire struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	parts := make([]string, 0, len(wire.Content))
	for _, item := range wire.Content {
		var text struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &text); err == nil && text.Type == "text" {
			parts = append(parts, text.Text)
			continue
		}
		parts = append(parts, string(item))
	}
	return &skill.Output{Text: strings.Join(parts, "\n"), IsError: wire.IsError}, nil
}

// Ping lists tools, which every MCP server answers.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_, err := c.client.ListTools(ctx, &mcp.ListToolsRequest{})
	return err
}

// Shutdown closes the session.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.close()
	return c.err
}

// Kill closes the session.
func (c *Conn) Kill() error {
	c.close()
	return nil
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.err = c.client.Close()
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
