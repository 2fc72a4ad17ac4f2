//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdwalter/agent-ds/skill"
)

const helperEnv = "AGENTDS_STDIO_HELPER"

// TestMain turns the test binary into a tiny MCP server when helperEnv is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		serve(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func serve(mode string) {
	if mode == "mute" {
		// Never answers, keeps stdin open.
		time.Sleep(time.Minute)
		return
	}
	if mode == "flood" {
		// One line longer than the reader accepts, then silence.
		chunk := bytes.Repeat([]byte("x"), 1<<20)
		for i := 0; i <= maxLineSize>>20; i++ {
			if _, err := os.Stdout.Write(chunk); err != nil {
				return
			}
		}
		time.Sleep(time.Minute)
		return
	}
	fmt.Fprintln(os.Stderr, "helper ready")
	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req message
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			continue
		}
		resp := message{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"helper","version":"1.0"}}`)
		case "tools/list":
			var p listToolsParams
			_ = json.Unmarshal(req.Params, &p)
			if p.Cursor == "" {
				resp.Result = json.RawMessage(`{"tools":[{"name":"echo","inputSchema":{"type":"object","properties":{"text":{"type":"string"}}}}],"nextCursor":"2"}`)
			} else {
				resp.Result = json.RawMessage(`{"tools":[{"name":"fail"},{"name":"crash"}]}`)
			}
		case "tools/call":
			var p callToolParams
			_ = json.Unmarshal(req.Params, &p)
			switch p.Name {
			case "echo":
				b, _ := json.Marshal(map[string]any{"content": []content{{Type: "text", Text: fmt.Sprint(p.Arguments["text"])}}})
				resp.Result = b
			case "fail":
				resp.Result = json.RawMessage(`{"content":[{"type":"text","text":"note exists"}],"isError":true}`)
			case "crash":
				os.Exit(3)
			default:
				resp.Error = &RPCError{Code: -32602, Message: "unknown tool " + p.Name}
			}
		case "ping":
			resp.Result = json.RawMessage(`{}`)
		default:
			resp.Error = &RPCError{Code: codeMethodNotFound, Message: "nope"}
		}
		_ = out.Encode(resp)
	}
}

func launch(t *testing.T, mode string) *Conn {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	l := &Launcher{Env: []string{helperEnv + "=" + mode}}
	conn, err := l.Launch(context.Background(), skill.Spec{Name: "helper", Command: exe, Args: []string{"-test.run=^$"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Kill() })
	return conn.(*Conn)
}

func TestHandshakeAndCall(t *testing.T) {
	c := launch(t, "serve")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hs, err := c.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, "helper", hs.ServerName)
	assert.Equal(t, ProtocolVersion, hs.ProtocolVersion)
	require.Len(t, hs.Tools, 3)
	assert.Equal(t, "echo", hs.Tools[0].Name)
	assert.Equal(t, "crash", hs.Tools[2].Name)

	out, err := c.Call(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, &skill.Output{Text: "hi"}, out)

	out, err = c.Call(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, "note exists", out.Text)

	out, err = c.Call(ctx, "missing", nil)
	require.NoError(t, err)
	assert.True(t, out.IsError)

	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Shutdown(ctx))
	<-c.Done()
	_, err = c.Call(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCrashFailsInFlightCall(t *testing.T) {
	c := launch(t, "serve")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Handshake(ctx)
	require.NoError(t, err)

	_, err = c.Call(ctx, "crash", nil)
	assert.ErrorIs(t, err, ErrClosed)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, c.Err())
}

func TestUnresponsiveSkill(t *testing.T) {
	c := launch(t, "mute")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Handshake(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Kill())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}

func TestLaunchErrors(t *testing.T) {
	l := &Launcher{}
	_, err := l.Launch(context.Background(), skill.Spec{Name: "x"})
	assert.Error(t, err)
	_, err = l.Launch(context.Background(), skill.Spec{Name: "x", Command: "/nonexistent/agentds-skill"})
	assert.Error(t, err)
}

func TestOversizedLineKillsProcess(t *testing.T) {
	c := launch(t, "flood")
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process survived an unreadable stdout")
	}
	assert.Error(t, c.Err())
}
