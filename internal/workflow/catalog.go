package workflow

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

var ErrTemplateNotFound = errors.New("template not found")

// Manifest describes a template on disk. Workflow is resolved relative to the
// manifest file.
type Manifest struct {
	Name     string            `yaml:"name"`
	Workflow string            `yaml:"workflow"`
	Inputs   map[string]string `yaml:"inputs"`
	Outputs  map[string]string `yaml:"outputs"`
	Optional []string          `yaml:"optional"`
	// PathInputs lists inputs holding file-system paths that need per-platform encoding.
	PathInputs []string `yaml:"path_inputs"`
}

// Entry is a named template loaded from a manifest.
type Entry struct {
	Name       string
	Source     string
	Template   *Template
	PathInputs []string
}

// IsPathInput reports whether key holds a file-system path.
func (e *Entry) IsPathInput(key string) bool {
	return slices.Contains(e.PathInputs, key)
}

type Catalog struct {
	entries map[string]*Entry
}

func NewCatalog(entries ...*Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		if _, ok := c.entries[e.Name]; ok {
			return nil, fmt.Errorf("duplicate template name %q", e.Name)
		}
		c.entries[e.Name] = e
	}
	return c, nil
}

// LoadCatalog reads every manifest matching patterns. Only regular files are
// considered; symlinks and directories are skipped.
func LoadCatalog(patterns []string) (*Catalog, error) {
	files, err := findManifests(patterns)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		e, err := LoadManifest(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		entries = append(entries, e)
	}
	return NewCatalog(entries...)
}

func findManifests(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() && !slices.Contains(files, name) {
				files = append(files, name)
			}
		}
	}
	slices.Sort(files)
	return files, nil
}

// LoadManifest parses one manifest and builds its template.
func LoadManifest(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest has no name")
	}
	if m.Workflow == "" {
		return nil, fmt.Errorf("manifest %s has no workflow", m.Name)
	}

	wfPath := m.Workflow
	if !filepath.IsAbs(wfPath) {
		wfPath = filepath.Join(filepath.Dir(path), wfPath)
	}
	data, err := os.ReadFile(wfPath)
	if err != nil {
		return nil, err
	}
	graph, err := ParseGraph(data)
	if err != nil {
		return nil, err
	}

	tmpl, err := m.build(graph)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", m.Name, err)
	}
	return &Entry{Name: m.Name, Source: path, Template: tmpl, PathInputs: m.PathInputs}, nil
}

func (m *Manifest) build(graph Graph) (*Template, error) {
	inputs := slices.Sorted(maps.Keys(m.Inputs))
	outputs := slices.Sorted(maps.Keys(m.Outputs))

	b, err := Declare(graph, inputs, outputs)
	if err != nil {
		return nil, err
	}
	for _, k := range inputs {
		if err := b.BindInput(k, m.Inputs[k]); err != nil {
			return nil, err
		}
	}
	for _, k := range outputs {
		if err := b.BindOutput(k, m.Outputs[k]); err != nil {
			return nil, err
		}
	}
	if err := b.Optional(m.Optional...); err != nil {
		return nil, err
	}
	for _, k := range m.PathInputs {
		if _, ok := m.Inputs[k]; !ok {
			return nil, keyError(ErrUnknownKey, k, "path input")
		}
	}
	return b.Build()
}

func (c *Catalog) Get(name string) (*Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return e, nil
}

// Names returns template names in sorted order.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.entries))
}

func (c *Catalog) Len() int {
	return len(c.entries)
}
