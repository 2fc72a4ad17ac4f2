//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds span names, attribute keys and helpers shared by
// the instrumented packages.
package telemetry

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zdwalter/agent-ds/tool"
)

// telemetry service constants.
const (
	ServiceName      = "agent-ds"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "agent-ds"
	InstrumentName   = "github.com/zdwalter/agent-ds"

	SpanNameCallLLM           = "call_llm"
	SpanNamePrefixExecuteTool = "execute_tool"
	SpanNameTurn              = "conversation_turn"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attribute keys.
var (
	KeySessionID   = "agentds.session_id"
	KeyTurn        = "agentds.turn"
	KeySkill       = "agentds.skill"
	KeyToolCallID  = "agentds.tool_call_id"
	KeyToolArgs    = "agentds.tool_call_args"
	KeyToolResult  = "agentds.tool_response"
	KeyErrorKind   = "agentds.error_kind"
	KeyLLMRequest  = "agentds.llm_request"
	KeyLLMResponse = "agentds.llm_response"
)

// TraceToolCall records a finished tool call on span.
func TraceToolCall(span trace.Span, def *tool.Definition, req tool.Request, res tool.Result) {
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.system", "agent-ds"),
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", req.Tool),
		attribute.String(KeyToolCallID, req.ID),
		attribute.Int(KeyTurn, req.Turn),
		attribute.String(KeyToolArgs, marshalOr(req.Arguments)),
		attribute.String(KeyToolResult, res.Content()),
	}
	if def != nil {
		attrs = append(attrs,
			attribute.String("gen_ai.tool.description", def.Description),
			attribute.String(KeySkill, def.Skill),
		)
	}
	if res.Failure != nil {
		attrs = append(attrs, attribute.String(KeyErrorKind, string(res.Failure.Kind)))
	}
	span.SetAttributes(attrs...)
}

// TraceCallLLM records one model round trip on span.
func TraceCallLLM(span trace.Span, sessionID, modelName string, turn int, req, rsp any) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "agent-ds"),
		attribute.String(KeySessionID, sessionID),
		attribute.Int(KeyTurn, turn),
		attribute.String("gen_ai.request.model", modelName),
		attribute.String(KeyLLMRequest, marshalOr(req)),
		attribute.String(KeyLLMResponse, marshalOr(rsp)),
	)
}

func marshalOr(v any) string {
	bts, err := json.Marshal(v)
	if err != nil {
		return "<not json serializable>"
	}
	return string(bts)
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
