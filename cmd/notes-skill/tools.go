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
	"sort"
	"strings"
	"time"

	mcp "trpc.group/trpc-go/trpc-mcp-go"
)

// entry pairs a tool declaration with its handler.
type entry struct {
	tool   *mcp.Tool
	handle func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

func (s *store) tools() []entry {
	title := mcp.WithString("title", mcp.Required(), mcp.Description("Title of the note"))
	return []entry{
		{mcp.NewTool("create_note",
			mcp.WithDescription("Create a new note. Fails when a note with the same title exists."),
			title,
			mcp.WithString("content", mcp.Required(), mcp.Description("Text of the note")),
		), s.handleCreate},
		{mcp.NewTool("read_note",
			mcp.WithDescription("Read the text of a note."),
			title,
		), s.handleRead},
		{mcp.NewTool("update_note",
			mcp.WithDescription("Replace the text of a note."),
			title,
			mcp.WithString("new_content", mcp.Required(), mcp.Description("New text of the note")),
		), s.handleUpdate},
		{mcp.NewTool("delete_note",
			mcp.WithDescription("Delete a note."),
			title,
		), s.handleDelete},
		{mcp.NewTool("list_notes",
			mcp.WithDescription("List the titles of all notes."),
		), s.handleList},
		{mcp.NewTool("add_tag_to_note",
			mcp.WithDescription("Add a tag to a note."),
			title,
			mcp.WithString("tag", mcp.Required(), mcp.Description("Tag to add")),
		), s.handleAddTag},
		{mcp.NewTool("remove_tag_from_note",
			mcp.WithDescription("Remove a tag from a note."),
			title,
			mcp.WithString("tag", mcp.Required(), mcp.Description("Tag to remove")),
		), s.handleRemoveTag},
		{mcp.NewTool("list_tags",
			mcp.WithDescription("List every tag with the notes carrying it."),
		), s.handleListTags},
		{mcp.NewTool("get_note_metadata",
			mcp.WithDescription("Show the creation time, modification time and tags of a note."),
			title,
		), s.handleMetadata},
		{mcp.NewTool("search_notes",
			mcp.WithDescription("Find notes whose title, text or tags contain a string, ignoring case."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for")),
		), s.handleSearch},
	}
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(s)}}
}

func failure(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("Error: " + err.Error())}}
}

func stringArg(req *mcp.CallToolRequest, name string) (string, error) {
	v, ok := req.Params.Arguments[name]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string", name)
	}
	return s, nil
}

func (s *store) handleCreate(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	content, err := stringArg(req, "content")
	if err != nil {
		return failure(err), nil
	}
	file, err := s.create(title, content)
	if err != nil {
		return failure(err), nil
	}
	return text(fmt.Sprintf("Note %q created (saved as %s).", title, file)), nil
}

func (s *store) handleRead(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	n, err := s.read(title)
	if err != nil {
		return failure(err), nil
	}
	return text(n.Content), nil
}

func (s *store) handleUpdate(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	content, err := stringArg(req, "new_content")
	if err != nil {
		return failure(err), nil
	}
	if err := s.update(title, func(n *Note) bool {
		n.Content = content
		return true
	}); err != nil {
		return failure(err), nil
	}
	return text(fmt.Sprintf("Note %q updated.", title)), nil
}

func (s *store) handleDelete(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	if err := s.delete(title); err != nil {
		return failure(err), nil
	}
	return text(fmt.Sprintf("Note %q deleted.", title)), nil
}

func (s *store) handleList(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.list()
	if err != nil {
		return failure(err), nil
	}
	if len(notes) == 0 {
		return text("No notes found."), nil
	}
	var b strings.Builder
	b.WriteString("### Notes\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s\n", n.Title)
	}
	return text(b.String()), nil
}

func (s *store) handleAddTag(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	tag, err := stringArg(req, "tag")
	if err != nil {
		return failure(err), nil
	}
	added := false
	err = s.update(title, func(n *Note) bool {
		for _, t := range n.Tags {
			if t == tag {
				return false
			}
		}
		n.Tags = append(n.Tags, tag)
		added = true
		return true
	})
	if err != nil {
		return failure(err), nil
	}
	if !added {
		return text(fmt.Sprintf("Tag %q already on note %q.", tag, title)), nil
	}
	return text(fmt.Sprintf("Tag %q added to note %q.", tag, title)), nil
}

func (s *store) handleRemoveTag(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	tag, err := stringArg(req, "tag")
	if err != nil {
		return failure(err), nil
	}
	removed := false
	err = s.update(title, func(n *Note) bool {
		for i, t := range n.Tags {
			if t == tag {
				n.Tags = append(n.Tags[:i], n.Tags[i+1:]...)
				removed = true
				return true
			}
		}
		return false
	})
	if err != nil {
		return failure(err), nil
	}
	if !removed {
		return text(fmt.Sprintf("Tag %q not found on note %q.", tag, title)), nil
	}
	return text(fmt.Sprintf("Tag %q removed from note %q.", tag, title)), nil
}

func (s *store) handleListTags(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.list()
	if err != nil {
		return failure(err), nil
	}
	byTag := map[string][]string{}
	for _, n := range notes {
		for _, tag := range n.Tags {
			byTag[tag] = append(byTag[tag], n.Title)
		}
	}
	if len(byTag) == 0 {
		return text("No tags found."), nil
	}
	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	var b strings.Builder
	b.WriteString("### Tags\n")
	for _, tag := range tags {
		fmt.Fprintf(&b, "- %s: %s\n", tag, strings.Join(byTag[tag], ", "))
	}
	return text(b.String()), nil
}

func (s *store) handleMetadata(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := stringArg(req, "title")
	if err != nil {
		return failure(err), nil
	}
	n, err := s.read(title)
	if err != nil {
		return failure(err), nil
	}
	tags := "(none)"
	if len(n.Tags) > 0 {
		tags = strings.Join(n.Tags, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### Metadata for %q\n", n.Title)
	fmt.Fprintf(&b, "- created: %s\n", n.Created.Format(time.RFC3339))
	fmt.Fprintf(&b, "- modified: %s\n", n.Modified.Format(time.RFC3339))
	fmt.Fprintf(&b, "- tags: %s\n", tags)
	return text(b.String()), nil
}

func (s *store) handleSearch(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := stringArg(req, "query")
	if err != nil {
		return failure(err), nil
	}
	if strings.TrimSpace(query) == "" {
		return failure(errors.New("query must not be empty")), nil
	}
	notes, err := s.search(query)
	if err != nil {
		return failure(err), nil
	}
	if len(notes) == 0 {
		return text(fmt.Sprintf("No notes match %q.", query)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### Notes matching %q\n", query)
	for _, n := range notes {
		snippet := []rune(n.Content)
		if len(snippet) > 100 {
			snippet = append(snippet[:100], []rune("...")...)
		}
		fmt.Fprintf(&b, "- %s: %s\n", n.Title, string(snippet))
	}
	return text(b.String()), nil
}
