//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/zdwalter/agent-ds/controller"
	"github.com/zdwalter/agent-ds/skill"
	"github.com/zdwalter/agent-ds/tool"
)

var now = time.Now

// systemPrompt describes the environment and the skills to the model. It
// is rebuilt before every generation so it follows loads and unloads.
func systemPrompt(extra string, catalog skill.Catalog, loaded []skill.Info) string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent that solves tasks with tools provided by skills.\n\n")

	b.WriteString("## Environment\n")
	fmt.Fprintf(&b, "- Operating system: %s\n", osName())
	if wd, err := os.Getwd(); err == nil {
		fmt.Fprintf(&b, "- Working directory: %s\n", wd)
	}
	fmt.Fprintf(&b, "- Current time: %s\n\n", now().Format("2006-01-02 15:04:05 MST"))

	b.WriteString("## Skills\n")
	fmt.Fprintf(&b, "Only the %s tools are available at first. Call %s to attach a skill; "+
		"its tools and instructions become available on the next step. "+
		"Call %s when a skill is no longer needed. Skill tools are named "+
		"<skill>%s<tool>. Prefer few tool calls.\n\n",
		controller.SkillName, controller.ToolLoadSkill, controller.ToolUnloadSkill, tool.Separator)

	active := map[string]skill.Info{}
	for _, info := range loaded {
		active[info.Name] = info
	}
	b.WriteString("Available skills:\n")
	specs := catalog.List()
	if len(specs) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, spec := range specs {
		state := ""
		if info, ok := active[spec.Name]; ok {
			state = fmt.Sprintf(" [%s]", info.State)
		}
		fmt.Fprintf(&b, "- %s: %s%s\n", spec.Name, spec.Description, state)
	}

	for _, info := range loaded {
		if info.Builtin || info.Instructions == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## Skill %s\n%s\n", info.Name, strings.TrimSpace(info.Instructions))
	}

	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}

func osName() string {
	if runtime.GOOS == "darwin" {
		return "macOS"
	}
	return runtime.GOOS
}
