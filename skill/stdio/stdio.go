//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package stdio runs skills as child processes speaking MCP JSON-RPC over
// their standard streams, one JSON message per line.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/skill"
)

// ProtocolVersion is the MCP revision offered during initialize.
const ProtocolVersion = "2024-11-05"

const (
	maxLineSize = 16 * 1024 * 1024
	// termDelay is how long Shutdown waits after closing stdin before
	// sending SIGTERM.
	termDelay = 500 * time.Millisecond
)

// ErrClosed is returned for calls on a skill that has exited.
var ErrClosed = errors.New("skill process exited")

// Launcher starts stdio skills.
type Launcher struct {
	// ClientName and ClientVersion identify the agent in initialize.
	ClientName    string
	ClientVersion string
	// Env is appended to the inherited environment of every skill.
	Env []string
}

// Launch starts the skill's command. The process is not bound to ctx: it
// lives until Shutdown or Kill.
func (l *Launcher) Launch(ctx context.Context, spec skill.Spec) (skill.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("skill %s: command is required for stdio transport", spec.Name)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = spec.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	logger := log.Skill(spec.Name)
	logger.Debugf("started %s (pid %d)", spec.Command, cmd.Process.Pid)

	c := &Conn{
		name:    spec.Name,
		log:     logger,
		client:  implementation{Name: l.ClientName, Version: l.ClientVersion},
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	if c.client.Name == "" {
		c.client.Name = "agent-ds"
	}
	if c.client.Version == "" {
		c.client.Version = "0.1.0"
	}
	c.readers.Add(2)
	go c.readLoop(stdout)
	go c.logStderr(stderr)
	go c.wait()
	return c, nil
}

// Conn is a running stdio skill.
type Conn struct {
	name   string
	log    log.Logger
	client implementation
	cmd    *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *message
	nextID    atomic.Int64

	readers sync.WaitGroup
	done    chan struct{}
	exitErr error

	closeStdin sync.Once
}

// Pid returns the process id.
func (c *Conn) Pid() int { return c.cmd.Process.Pid }

// Done implements skill.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements skill.Conn.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// Handshake implements skill.Conn.
func (c *Conn) Handshake(ctx context.Context) (*skill.Handshake, error) {
	var init initializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.client,
	}, &init)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	hs := &skill.Handshake{
		ServerName:      init.ServerInfo.Name,
		ServerVersion:   init.ServerInfo.Version,
		ProtocolVersion: init.ProtocolVersion,
		Instructions:    init.Instructions,
	}
	var cursor string
	for {
		var page listToolsResult
		if err := c.call(ctx, "tools/list", listToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range page.Tools {
			hs.Tools = append(hs.Tools, skill.ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	return hs, nil
}

// Call implements skill.Conn.
func (c *Conn) Call(ctx context.Context, name string, args map[string]any) (*skill.Output, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res callToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The skill answered; the tool failed.
			return &skill.Output{Text: rpcErr.Message, IsError: true}, nil
		}
		return nil, err
	}
	return &skill.Output{Text: renderContent(res), IsError: res.IsError}, nil
}

func renderContent(res callToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, raw := range res.Content {
		var ct content
		if err := json.Unmarshal(raw, &ct); err == nil && ct.Type == "text" {
			parts = append(parts, ct.Text)
			continue
		}
		parts = append(parts, string(raw))
	}
	if len(parts) == 0 && len(res.StructuredContent) > 0 {
		return string(res.StructuredContent)
	}
	return strings.Join(parts, "\n")
}

// Ping implements skill.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Shutdown closes the skill's stdin, then sends SIGTERM if it has not exited
// after a short delay, and waits for exit until ctx ends.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.closeStdin.Do(func() { _ = c.stdin.Close() })
	select {
	case <-c.done:
		return nil
	case <-time.After(termDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Debugf("SIGTERM: %v", err)
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill implements skill.Conn.
func (c *Conn) Kill() error {
	c.closeStdin.Do(func() { _ = c.stdin.Close() })
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (c *Conn) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	msg := message{JSONRPC: jsonrpcVersion, ID: json.RawMessage(fmt.Sprint(id)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}

	ch := make(chan *message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&msg); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) notify(method string, params any) error {
	msg := message{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return c.write(&msg)
}

func (c *Conn) write(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

func (c *Conn) closedErr() error {
	if c.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.exitErr)
	}
	return ErrClosed
}

func (c *Conn) readLoop(r io.Reader) {
	defer c.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Debugf("ignoring non JSON-RPC output: %s", line)
			continue
		}
		c.dispatch(&msg)
	}
	if err := sc.Err(); err != nil {
		// Nothing drains stdout any more, so the process cannot be trusted.
		c.log.Warnf("read stdout: %v", err)
		if kerr := c.Kill(); kerr != nil {
			c.log.Warnf("kill after read error: %v", kerr)
		}
	}
}

func (c *Conn) dispatch(msg *message) {
	switch {
	case msg.isResponse():
		id, ok := msg.numericID()
		if !ok {
			c.log.Warnf("response with unexpected id %s", msg.ID)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.isRequest():
		go c.answer(msg)
	default:
		c.log.Debugf("notification %s", msg.Method)
	}
}

// answer replies to requests initiated by the skill. Only ping is supported.
func (c *Conn) answer(req *message) {
	resp := message{JSONRPC: jsonrpcVersion, ID: req.ID}
	if req.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if err := c.write(&resp); err != nil {
		c.log.Debugf("answer %s: %v", req.Method, err)
	}
}

func (c *Conn) logStderr(r io.Reader) {
	defer c.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			c.log.Debugf("stderr: %s", line)
		}
	}
}

// wait reaps the process once both output streams are drained.
func (c *Conn) wait() {
	c.readers.Wait()
	err := c.cmd.Wait()
	c.writeMu.Lock()
	c.exitErr = err
	close(c.done)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debugf("exited: %v", err)
	} else {
		c.log.Debugf("exited")
	}
}
