package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nemanja-m/genpool/internal/platform"
)

// Snapshot is an immutable set of input values layered over a Template.
// With returns a new Snapshot; the receiver is never modified.
type Snapshot struct {
	tmpl   *Template
	values map[string]any
}

// Prompt is a materialized snapshot ready for submission.
type Prompt struct {
	Graph Graph
	// Outputs maps output keys to node ids.
	Outputs map[string]string
}

// OutputNodes returns the distinct output node ids in sorted order.
func (p Prompt) OutputNodes() []string {
	nodes := slices.Collect(maps.Values(p.Outputs))
	slices.Sort(nodes)
	return slices.Compact(nodes)
}

func (s *Snapshot) Template() *Template {
	return s.tmpl
}

func (s *Snapshot) With(key string, value any) (*Snapshot, error) {
	if _, ok := s.tmpl.inputBindings[key]; !ok {
		if !slices.Contains(s.tmpl.inputs, key) {
			return nil, keyError(ErrUnknownKey, key, "input")
		}
		return nil, keyError(ErrUnboundKey, key, "")
	}

	values := make(map[string]any, len(s.values)+1)
	maps.Copy(values, s.values)
	values[key] = cloneValue(value)
	return &Snapshot{tmpl: s.tmpl, values: values}, nil
}

// WithPath sets a file-system path input, encoding separators for the
// platform of the worker that will run the prompt.
func (s *Snapshot) WithPath(key, path string, p platform.Platform) (*Snapshot, error) {
	return s.With(key, platform.EncodePath(path, p))
}

// WithValues applies several values at once.
func (s *Snapshot) WithValues(values map[string]any) (*Snapshot, error) {
	out := s
	for _, k := range slices.Sorted(maps.Keys(values)) {
		next, err := out.With(k, values[k])
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

// Value returns the value set for key in this snapshot.
func (s *Snapshot) Value(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Missing returns required inputs that have no value yet.
func (s *Snapshot) Missing() []string {
	var missing []string
	for _, k := range s.tmpl.Required() {
		if _, ok := s.values[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (s *Snapshot) Materialize() (Prompt, error) {
	if missing := s.Missing(); len(missing) > 0 {
		return Prompt{}, &KeyError{Kind: ErrIncompleteBinding, Keys: missing}
	}

	graph := s.tmpl.graph.Clone()
	data := map[string]any(graph)
	for _, k := range slices.Sorted(maps.Keys(s.values)) {
		b := s.tmpl.inputBindings[k]
		if err := b.expr.Set(data, cloneValue(s.values[k])); err != nil {
			return Prompt{}, fmt.Errorf("set %s at %s: %w", k, b.path, err)
		}
	}

	return Prompt{
		Graph:   graph,
		Outputs: maps.Clone(s.tmpl.outputBindings),
	}, nil
}
