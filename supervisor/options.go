//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package supervisor

import "time"

// Default supervision settings.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownGrace    = 3 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultReprobeDelay     = time.Second
	DefaultMaxQueue         = 8
)

type options struct {
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration
	probeTimeout     time.Duration
	reprobeDelay     time.Duration
	maxRestarts      int
	maxQueue         int
}

func defaultOptions() options {
	return options{
		handshakeTimeout: DefaultHandshakeTimeout,
		shutdownGrace:    DefaultShutdownGrace,
		probeTimeout:     DefaultProbeTimeout,
		reprobeDelay:     DefaultReprobeDelay,
		maxQueue:         DefaultMaxQueue,
	}
}

// Option configures a Supervisor.
type Option func(*options)

// WithHandshakeTimeout bounds how long a skill may take to become ready.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithShutdownGrace bounds graceful termination before a skill is killed.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownGrace = d
		}
	}
}

// WithProbeTimeout bounds a single health probe, including the wait for the
// skill's call lane.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// WithReprobeDelay sets the delay before an unresponsive skill is probed again.
func WithReprobeDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reprobeDelay = d
		}
	}
}

// WithMaxRestarts sets how many times a crashed skill is relaunched before it
// is unloaded. Zero, the default, unloads on the first crash.
func WithMaxRestarts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRestarts = n
		}
	}
}

// WithMaxQueue bounds the calls waiting for or holding one skill's lane.
// Zero disables the bound.
func WithMaxQueue(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxQueue = n
		}
	}
}
