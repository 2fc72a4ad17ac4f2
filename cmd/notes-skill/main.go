//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Command notes-skill is an MCP stdio server keeping markdown notes.
//
// Notes are stored under $NOTES_DIR, or ./artifacts/notes when unset.
package main

import (
	"os"
	"path/filepath"

	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"github.com/zdwalter/agent-ds/log"
)

const envNotesDir = "NOTES_DIR"

func main() {
	dir := os.Getenv(envNotesDir)
	if dir == "" {
		dir = filepath.Join("artifacts", "notes")
	}
	server := mcp.NewStdioServer("notes", "1.0.0")
	for _, e := range newStore(dir).tools() {
		server.RegisterTool(e.tool, e.handle)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("notes-skill: %v", err)
	}
}
