// Package graph models the runtime's workflow snapshot: a node table with
// typed input values, and the backward trace from a save node.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// NodeID identifies a node within one workflow snapshot.
type NodeID int

func (id NodeID) String() string { return strconv.Itoa(int(id)) }

// InputKind discriminates the shape of a node input value.
type InputKind int

const (
	KindScalar InputKind = iota
	KindList
	KindRef
	KindNested
)

// InputValue is one node input. Exactly one of the payload fields is
// meaningful, selected by Kind.
type InputValue struct {
	Kind   InputKind
	Scalar any               // KindScalar: string, float64, int, bool, nil
	List   []InputValue      // KindList
	Ref    Ref               // KindRef
	Nested map[string]InputValue // KindNested
}

// Ref points at another node's output.
type Ref struct {
	Source NodeID
	Output int
}

// Scalar wraps a literal into an InputValue.
func Scalar(v any) InputValue { return InputValue{Kind: KindScalar, Scalar: v} }

// List wraps a sequence into an InputValue.
func List(vs ...InputValue) InputValue { return InputValue{Kind: KindList, List: vs} }

// RefTo wraps a node reference into an InputValue.
func RefTo(source NodeID, output int) InputValue {
	return InputValue{Kind: KindRef, Ref: Ref{Source: source, Output: output}}
}

// Nested wraps a keyed structure into an InputValue.
func Nested(m map[string]InputValue) InputValue {
	return InputValue{Kind: KindNested, Nested: m}
}

// FirstScalar coerces the value to its first scalar: a scalar returns itself,
// a list returns the first scalar of its first element, everything else
// reports false. Extraction always applies this coercion before any other
// processing of a captured value.
func (v InputValue) FirstScalar() (any, bool) {
	switch v.Kind {
	case KindScalar:
		return v.Scalar, true
	case KindList:
		if len(v.List) == 0 {
			return nil, false
		}
		return v.List[0].FirstScalar()
	default:
		return nil, false
	}
}

// AsString coerces the first scalar to its string form.
func (v InputValue) AsString() (string, bool) {
	s, ok := v.FirstScalar()
	if !ok || s == nil {
		return "", false
	}
	switch t := s.(type) {
	case string:
		return t, true
	case float64:
		// Seeds and step counts arrive as JSON numbers; integral values
		// must render verbatim, never in exponent form.
		if t == math.Trunc(t) && math.Abs(t) < 1e18 {
			return strconv.FormatFloat(t, 'f', -1, 64), true
		}
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// AsInt coerces the first scalar to an integer.
func (v InputValue) AsInt() (int, bool) {
	s, ok := v.FirstScalar()
	if !ok {
		return 0, false
	}
	switch t := s.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

// AsFloat coerces the first scalar to a float.
func (v InputValue) AsFloat() (float64, bool) {
	s, ok := v.FirstScalar()
	if !ok {
		return 0, false
	}
	switch t := s.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Node is one graph node: its class and input snapshot.
type Node struct {
	ClassName string
	Inputs    map[string]InputValue
}

// Input returns the named input.
func (n Node) Input(name string) (InputValue, bool) {
	v, ok := n.Inputs[name]
	return v, ok
}

// Graph is an immutable workflow snapshot.
type Graph struct {
	Nodes map[NodeID]Node
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// IDs returns all node ids in ascending order.
func (g *Graph) IDs() []NodeID {
	out := make([]NodeID, 0, len(g.Nodes))
	for id := range g.Nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseJSON decodes the runtime's workflow-prompt JSON form: an object keyed
// by node id, each value holding "class_type" and an "inputs" object whose
// values are literals or [source_id, output_index] pairs.
func ParseJSON(data []byte) (*Graph, error) {
	var raw map[string]struct {
		ClassType string         `json:"class_type"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("workflow json: %w", err)
	}
	g := &Graph{Nodes: make(map[NodeID]Node, len(raw))}
	for idStr, rn := range raw {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("workflow json: node id %q: %w", idStr, err)
		}
		inputs := make(map[string]InputValue, len(rn.Inputs))
		for name, v := range rn.Inputs {
			inputs[name] = fromJSONValue(v)
		}
		g.Nodes[NodeID(id)] = Node{ClassName: rn.ClassType, Inputs: inputs}
	}
	return g, nil
}

// fromJSONValue maps a decoded JSON value onto the InputValue variant.
// A two-element array of [number, number] is a node reference; other arrays
// are lists, objects are nested maps, everything else is a scalar.
func fromJSONValue(v any) InputValue {
	switch t := v.(type) {
	case []any:
		if len(t) == 2 {
			if src, ok := t[0].(float64); ok {
				if out, ok := t[1].(float64); ok {
					return RefTo(NodeID(int(src)), int(out))
				}
			}
			// String-keyed source ids appear in some exports.
			if srcStr, ok := t[0].(string); ok {
				if out, ok := t[1].(float64); ok {
					if src, err := strconv.Atoi(srcStr); err == nil {
						return RefTo(NodeID(src), int(out))
					}
				}
			}
		}
		items := make([]InputValue, 0, len(t))
		for _, it := range t {
			items = append(items, fromJSONValue(it))
		}
		return InputValue{Kind: KindList, List: items}
	case map[string]any:
		m := make(map[string]InputValue, len(t))
		for k, it := range t {
			m[k] = fromJSONValue(it)
		}
		return Nested(m)
	default:
		return Scalar(v)
	}
}
