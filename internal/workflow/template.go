// Package workflow turns a prompt graph into a reusable template with named
// inputs and outputs, and produces independent parameterized snapshots of it.
//
// A Template is immutable once built and may be shared by any number of
// goroutines. Every Snapshot derived from it owns its values; materializing a
// snapshot deep-copies the graph before writing, so concurrent jobs that
// parameterize the same template never observe each other's writes.
package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Graph is a prompt graph in API format: node id to node object.
type Graph map[string]any

// ParseGraph decodes an API-format prompt graph.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("decode graph: graph has no nodes")
	}
	return g, nil
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	return cloneValue(map[string]any(g)).(map[string]any)
}

type inputBinding struct {
	path string
	expr jp.Expr
}

type Template struct {
	graph    Graph
	inputs   []string
	outputs  []string
	optional map[string]bool

	inputBindings  map[string]inputBinding
	outputBindings map[string]string
}

// Builder collects declarations and bindings for a Template.
type Builder struct {
	graph          Graph
	inputs         []string
	outputs        []string
	declaredIn     map[string]bool
	declaredOut    map[string]bool
	optional       map[string]bool
	inputBindings  map[string]inputBinding
	outputBindings map[string]string
}

// Declare fixes the logical input and output keys usable for binding.
// The graph is copied so later changes by the caller do not leak into the template.
func Declare(graph Graph, inputKeys, outputKeys []string) (*Builder, error) {
	if len(graph) == 0 {
		return nil, fmt.Errorf("declare: graph has no nodes")
	}

	b := &Builder{
		graph:          graph.Clone(),
		declaredIn:     make(map[string]bool, len(inputKeys)),
		declaredOut:    make(map[string]bool, len(outputKeys)),
		optional:       make(map[string]bool),
		inputBindings:  make(map[string]inputBinding),
		outputBindings: make(map[string]string),
	}
	for _, k := range inputKeys {
		if k == "" || b.declaredIn[k] {
			return nil, fmt.Errorf("declare: input key %q is empty or repeated", k)
		}
		b.declaredIn[k] = true
		b.inputs = append(b.inputs, k)
	}
	for _, k := range outputKeys {
		if k == "" || b.declaredOut[k] {
			return nil, fmt.Errorf("declare: output key %q is empty or repeated", k)
		}
		b.declaredOut[k] = true
		b.outputs = append(b.outputs, k)
	}
	return b, nil
}

// BindInput maps an input key to a dotted node field path such as "3.inputs.seed".
func (b *Builder) BindInput(key, nodePath string) error {
	if !b.declaredIn[key] {
		return keyError(ErrUnknownKey, key, "input")
	}
	if _, ok := b.inputBindings[key]; ok {
		return keyError(ErrDuplicateBinding, key, "input")
	}

	segments := strings.Split(nodePath, ".")
	if len(segments) < 2 || slices.Contains(segments, "") {
		return keyError(ErrInvalidPath, key, nodePath)
	}
	if _, ok := b.graph[segments[0]].(map[string]any); !ok {
		return keyError(ErrInvalidPath, key, "node "+segments[0]+" not in graph")
	}

	expr := jp.C(segments[0])
	for _, s := range segments[1:] {
		expr = expr.C(s)
	}
	b.inputBindings[key] = inputBinding{path: nodePath, expr: expr}
	return nil
}

// BindOutput maps an output key to the node whose results it collects.
func (b *Builder) BindOutput(key, nodeID string) error {
	if !b.declaredOut[key] {
		return keyError(ErrUnknownKey, key, "output")
	}
	if _, ok := b.outputBindings[key]; ok {
		return keyError(ErrDuplicateBinding, key, "output")
	}
	if _, ok := b.graph[nodeID]; !ok {
		return keyError(ErrInvalidPath, key, "node "+nodeID+" not in graph")
	}
	b.outputBindings[key] = nodeID
	return nil
}

// Optional marks declared inputs that may be left without a value; the graph
// default then stays in place.
func (b *Builder) Optional(keys ...string) error {
	for _, k := range keys {
		if !b.declaredIn[k] {
			return keyError(ErrUnknownKey, k, "input")
		}
		b.optional[k] = true
	}
	return nil
}

// Build freezes the builder into an immutable Template.
func (b *Builder) Build() (*Template, error) {
	if len(b.outputBindings) == 0 && len(b.outputs) > 0 {
		return nil, &KeyError{Kind: ErrUnboundKey, Keys: slices.Clone(b.outputs), Detail: "no output is bound"}
	}
	return &Template{
		graph:          b.graph,
		inputs:         slices.Clone(b.inputs),
		outputs:        slices.Clone(b.outputs),
		optional:       maps.Clone(b.optional),
		inputBindings:  maps.Clone(b.inputBindings),
		outputBindings: maps.Clone(b.outputBindings),
	}, nil
}

// Inputs returns the declared input keys in declaration order.
func (t *Template) Inputs() []string {
	return slices.Clone(t.inputs)
}

// Outputs returns the declared output keys in declaration order.
func (t *Template) Outputs() []string {
	return slices.Clone(t.outputs)
}

// Required returns the input keys a snapshot must set before it can be
// materialized: bound, non-optional inputs in declaration order.
func (t *Template) Required() []string {
	var req []string
	for _, k := range t.inputs {
		if _, bound := t.inputBindings[k]; bound && !t.optional[k] {
			req = append(req, k)
		}
	}
	return req
}

// InputPath returns the node path bound to key.
func (t *Template) InputPath(key string) (string, bool) {
	b, ok := t.inputBindings[key]
	return b.path, ok
}

// OutputNode returns the node id bound to key.
func (t *Template) OutputNode(key string) (string, bool) {
	id, ok := t.outputBindings[key]
	return id, ok
}

// Snapshot returns an empty snapshot of the template.
func (t *Template) Snapshot() *Snapshot {
	return &Snapshot{tmpl: t}
}

// With is shorthand for t.Snapshot().With(key, value).
func (t *Template) With(key string, value any) (*Snapshot, error) {
	return t.Snapshot().With(key, value)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case Graph:
		return Graph(cloneValue(map[string]any(val)).(map[string]any))
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
