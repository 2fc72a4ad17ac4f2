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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/zdwalter/agent-ds/log"
	"github.com/zdwalter/agent-ds/runner"
	"github.com/zdwalter/agent-ds/telemetry/metric"
	"github.com/zdwalter/agent-ds/telemetry/trace"
)

const closeTimeout = 10 * time.Second

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "agentds",
		Usage: "Chat with a model that loads skills on demand",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Sources: cli.EnvVars(runner.EnvConfig),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "skills",
				Usage: "Directory holding <name>/SKILL.md skills",
			},
			&cli.StringSliceFlag{
				Name:  "load",
				Usage: "Skills to load when the session starts",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Stream model output",
			},
		},
		Commands: []*cli.Command{
			newChatCommand(),
			newAskCommand(),
			newSkillsCommand(),
		},
		DefaultCommand: "chat",
	}
}

func newChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive conversation",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, os.Stdout, func(s *runner.Session) error {
				return chat(ctx, s, os.Stdin, os.Stdout)
			})
		},
	}
}

func newAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send one message and print the reply",
		ArgsUsage: "<message>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			message := strings.Join(cmd.Args().Slice(), " ")
			if message == "-" || message == "" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				message = string(b)
			}
			if strings.TrimSpace(message) == "" {
				return errors.New("usage: agentds ask <message>")
			}
			return withSession(ctx, cmd, os.Stderr, func(s *runner.Session) error {
				res, err := s.Ask(ctx, message)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, res.Reply)
				return nil
			})
		},
	}
}

func newSkillsCommand() *cli.Command {
	return &cli.Command{
		Name:  "skills",
		Usage: "List the skills that can be loaded",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Listing needs no model.
			r, err := runner.New(cfg, runner.WithModel(nopModel{}))
			if err != nil {
				return err
			}
			for _, spec := range r.Catalog().List() {
				fmt.Fprintf(os.Stdout, "%-20s %s\n", spec.Name, spec.Description)
			}
			return nil
		},
	}
}

func loadConfig(cmd *cli.Command) (runner.Config, error) {
	cfg, err := runner.LoadConfig(cmd.String("config"))
	if err != nil {
		return runner.Config{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("skills"); v != "" {
		cfg.Skills.Dir = v
	}
	if v := cmd.StringSlice("load"); len(v) > 0 {
		cfg.Skills.Autoload = append(cfg.Skills.Autoload, v...)
	}
	if cmd.IsSet("stream") {
		cfg.Model.Stream = cmd.Bool("stream")
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// withSession builds a session from the command's configuration, runs fn
// and tears everything down. Progress is printed to progress.
func withSession(ctx context.Context, cmd *cli.Command, progress io.Writer, fn func(*runner.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stop, err := startTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer stop()

	r, err := runner.New(cfg)
	if err != nil {
		return err
	}
	s, err := r.NewSession(ctx, runner.WithObserver(newPrinter(progress, cfg.Model.Stream)))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warnf("close session: %v", err)
		}
	}()
	return fn(s)
}

func startTelemetry(ctx context.Context, cfg runner.TelemetryConfig) (func(), error) {
	var cleans []func() error
	stop := func() {
		for _, clean := range cleans {
			if err := clean(); err != nil {
				log.Warnf("telemetry shutdown: %v", err)
			}
		}
	}
	if cfg.TracesEndpoint != "" {
		opts := []trace.Option{trace.WithEndpoint(cfg.TracesEndpoint)}
		if cfg.Protocol != "" {
			opts = append(opts, trace.WithProtocol(cfg.Protocol))
		}
		clean, err := trace.Start(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		cleans = append(cleans, clean)
	}
	if cfg.MetricsEndpoint != "" {
		clean, err := metric.Start(ctx, metric.WithEndpoint(cfg.MetricsEndpoint))
		if err != nil {
			stop()
			return nil, fmt.Errorf("start metrics: %w", err)
		}
		cleans = append(cleans, clean)
	}
	return stop, nil
}
