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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	errNoteExists   = errors.New("note already exists")
	errNoteNotFound = errors.New("note not found")
)

// Meta is the front matter of a note file.
type Meta struct {
	Title    string    `yaml:"title"`
	Created  time.Time `yaml:"created"`
	Modified time.Time `yaml:"modified"`
	Tags     []string  `yaml:"tags,flow"`
}

// Note is a stored note.
type Note struct {
	Meta
	Content string
}

// store keeps one markdown file with YAML front matter per note.
type store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func newStore(dir string) *store {
	return &store{dir: dir, now: time.Now}
}

var (
	unsafeChars = regexp.MustCompile(`[^\w\s-]`)
	separators  = regexp.MustCompile(`[-\s]+`)
)

// fileName maps a title to its file. Titles differing only in case or
// punctuation share a file.
func fileName(title string) string {
	safe := unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "")
	safe = strings.Trim(separators.ReplaceAllString(safe, "_"), "_")
	if safe == "" {
		safe = "untitled"
	}
	return safe + ".md"
}

func (s *store) path(title string) string { return filepath.Join(s.dir, fileName(title)) }

func (s *store) create(title, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(title) == "" {
		return "", errors.New("title is required")
	}
	p := s.path(title)
	if _, err := os.Stat(p); err == nil {
		return "", fmt.Errorf("%w: %s", errNoteExists, title)
	}
	now := s.now()
	n := Note{Meta: Meta{Title: title, Created: now, Modified: now, Tags: []string{}}, Content: content}
	if err := s.write(p, n); err != nil {
		return "", err
	}
	return filepath.Base(p), nil
}

func (s *store) read(title string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(title))
}

func (s *store) update(title string, mutate func(*Note) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(title)
	n, err := s.load(p)
	if err != nil {
		return err
	}
	if !mutate(&n) {
		return nil
	}
	n.Modified = s.now()
	return s.write(p, n)
}

func (s *store) delete(title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(title))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", errNoteNotFound, title)
	}
	return err
}

func (s *store) list() ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return nil, err
	}
	notes := make([]Note, 0, len(paths))
	for _, p := range paths {
		n, err := s.load(p)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Title < notes[j].Title })
	return notes, nil
}

// search returns the notes whose title, content or tags contain query,
// ignoring case.
func (s *store) search(query string) ([]Note, error) {
	notes, err := s.list()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Note
	for _, n := range notes {
		if strings.Contains(strings.ToLower(n.Title), q) || strings.Contains(strings.ToLower(n.Content), q) {
			out = append(out, n)
			continue
		}
		for _, tag := range n.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

var delim = []byte("---\n")

func (s *store) load(p string) (Note, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return Note{}, fmt.Errorf("%w: %s", errNoteNotFound, strings.TrimSuffix(filepath.Base(p), ".md"))
	}
	if err != nil {
		return Note{}, err
	}
	var n Note
	body := data
	if bytes.HasPrefix(data, delim) {
		if end := bytes.Index(data[len(delim):], delim); end >= 0 {
			if err := yaml.Unmarshal(data[len(delim):len(delim)+end], &n.Meta); err != nil {
				return Note{}, fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			body = data[len(delim)+end+len(delim):]
		}
	}
	n.Content = strings.TrimSpace(string(body))
	if n.Title == "" {
		n.Title = strings.ReplaceAll(strings.TrimSuffix(filepath.Base(p), ".md"), "_", " ")
	}
	return n, nil
}

func (s *store) write(p string, n Note) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	meta, err := yaml.Marshal(n.Meta)
	if err != nil {
		return err
	}
	var b bytes.Buffer
	b.Write(delim)
	b.Write(meta)
	b.Write(delim)
	b.WriteString(n.Content)
	b.WriteString("\n")
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
