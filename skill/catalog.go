//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package skill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zdwalter/agent-ds/log"
)

// ManifestFile is the file that marks a directory as a skill.
const ManifestFile = "SKILL.md"

// ErrNotFound is returned by catalogs for unknown skills.
var ErrNotFound = errors.New("skill not found")

// Catalog resolves skill names to launch specs.
type Catalog interface {
	// Resolve returns the spec of the named skill or ErrNotFound.
	Resolve(name string) (Spec, error)
	// List returns all known specs ordered by name.
	List() []Spec
}

// StaticCatalog is a fixed set of specs.
type StaticCatalog map[string]Spec

// Resolve implements Catalog.
func (c StaticCatalog) Resolve(name string) (Spec, error) {
	spec, ok := c[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return spec, nil
}

// List implements Catalog.
func (c StaticCatalog) List() []Spec {
	specs := make([]Spec, 0, len(c))
	for name := range c {
		spec, _ := c.Resolve(name)
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// MultiCatalog consults catalogs in order. Earlier catalogs win on name clashes.
type MultiCatalog []Catalog

// Resolve implements Catalog.
func (c MultiCatalog) Resolve(name string) (Spec, error) {
	for _, cat := range c {
		spec, err := cat.Resolve(name)
		if err == nil {
			return spec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Spec{}, err
		}
	}
	return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List implements Catalog.
func (c MultiCatalog) List() []Spec {
	seen := map[string]bool{}
	var specs []Spec
	for _, cat := range c {
		for _, spec := range cat.List() {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// DirCatalog discovers skills laid out as <dir>/<name>/SKILL.md.
//
// SKILL.md starts with a YAML front matter block holding the Spec fields;
// the markdown body becomes the skill's instructions. When no command is
// given, an executable named "server" or a "server.py" script in the skill
// directory is used. The directory is rescanned on every lookup so skills
// added while running are picked up.
type DirCatalog struct {
	Dir string
	// Python is the interpreter for server.py skills. Defaults to python3.
	Python string
}

// Resolve implements Catalog.
func (c *DirCatalog) Resolve(name string) (Spec, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Spec{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	spec, err := c.load(filepath.Join(c.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, err
}

// List implements Catalog.
func (c *DirCatalog) List() []Spec {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("skill catalog: read %s: %v", c.Dir, err)
		}
		return nil
	}
	var specs []Spec
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		spec, err := c.load(filepath.Join(c.Dir, e.Name()))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warnf("skill catalog: skip %s: %v", e.Name(), err)
			}
			continue
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (c *DirCatalog) load(dir string) (Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Spec{}, err
	}
	spec, err := ParseManifest(data)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", filepath.Join(dir, ManifestFile), err)
	}
	// The directory name is the skill name.
	spec.Name = filepath.Base(dir)
	if spec.Description == "" {
		spec.Description = "Tools for " + spec.Name
	}
	if spec.WorkDir == "" {
		spec.WorkDir = dir
	}
	if spec.TransportName() == TransportStdio && spec.Command == "" {
		if err := c.defaultCommand(dir, &spec); err != nil {
			return Spec{}, err
		}
	}
	return spec, nil
}

func (c *DirCatalog) defaultCommand(dir string, spec *Spec) error {
	if fi, err := os.Stat(filepath.Join(dir, "server")); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
		spec.Command = filepath.Join(dir, "server")
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, "server.py")); err == nil {
		spec.Command = c.Python
		if spec.Command == "" {
			spec.Command = "python3"
		}
		spec.Args = append([]string{filepath.Join(dir, "server.py")}, spec.Args...)
		return nil
	}
	return fmt.Errorf("%s: no command and no server entry point", dir)
}

var frontMatterDelim = []byte("---")

// ParseManifest parses a SKILL.md document.
func ParseManifest(data []byte) (Spec, error) {
	var spec Spec
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed := bytes.TrimLeft(data, "\r\n\t ")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		spec.Instructions = strings.TrimSpace(string(data))
		return spec, nil
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return Spec{}, errors.New("unterminated front matter")
	}
	if err := yaml.Unmarshal(rest[:end], &spec); err != nil {
		return Spec{}, fmt.Errorf("parse front matter: %w", err)
	}
	body := rest[end+1+len(frontMatterDelim):]
	spec.Instructions = strings.TrimSpace(string(body))
	return spec, nil
}
