//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zdwalter/agent-ds/conversation"
	"github.com/zdwalter/agent-ds/model"
	"github.com/zdwalter/agent-ds/runner"
)

const chatHelp = `Commands:
  /skills        list loaded skills
  /tools         list callable tools
  /load <name>   load a skill
  /unload <name> unload a skill
  /reset         clear the conversation
  /quit          leave`

// chat runs the read-eval-print loop until in is exhausted, /quit is read
// or ctx ends.
func chat(ctx context.Context, s *runner.Session, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "session %s. Type /help for commands.\n", s.ID())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := command(ctx, s, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		res, err := s.Ask(ctx, line)
		switch {
		case err == nil:
			fmt.Fprintln(out, res.Reply)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, conversation.ErrSessionTerminated), errors.Is(err, conversation.ErrHistoryCorrupted):
			return err
		default:
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func command(ctx context.Context, s *runner.Session, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/reset":
		if err := s.Reset(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "conversation cleared")
	case "/skills":
		for _, info := range s.Skills() {
			fmt.Fprintf(out, "%-20s %-12s %d tools\n", info.Name, info.State, len(info.Tools))
		}
	case "/tools":
		for _, name := range s.Tools() {
			fmt.Fprintln(out, name)
		}
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <name>")
		}
		info, err := s.Load(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "loaded %s (%d tools)\n", info.Name, len(info.Tools))
	case "/unload":
		if arg == "" {
			return false, errors.New("usage: /unload <name>")
		}
		if err := s.Unload(arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "unloaded %s\n", arg)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

// printer shows tool activity and streamed text as the conversation runs.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	stream    bool
	streaming bool
}

func newPrinter(out io.Writer, stream bool) *printer {
	return &printer{out: out, stream: stream}
}

func (p *printer) OnState(_, to conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to != conversation.StateGenerating && p.streaming {
		fmt.Fprintln(p.out)
		p.streaming = false
	}
}

func (p *printer) OnMessage(msg conversation.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Role {
	case model.RoleAssistant:
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(p.out, "  -> %s %s\n", call.Function.Name, abbreviate(string(call.Function.Arguments)))
		}
	case model.RoleTool:
		status := "ok"
		if msg.Result != nil && !msg.Result.OK() {
			status = string(msg.Result.Failure.Kind)
		}
		fmt.Fprintf(p.out, "  <- %s [%s] %s\n", msg.ToolName, status, abbreviate(msg.Content))
	}
}

func (p *printer) OnDelta(text string) {
	if !p.stream {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = true
	fmt.Fprint(p.out, text)
}

func abbreviate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const max = 120
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

// nopModel stands in when a command needs no model.
type nopModel struct{}

func (nopModel) GenerateContent(context.Context, *model.Request) (<-chan *model.Response, error) {
	return nil, errors.New("no model configured")
}

func (nopModel) Info() model.Info { return model.Info{Name: "none"} }
