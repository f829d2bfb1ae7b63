// Package domain defines the persistent entities, parameter tree primitives,
// and typed errors used by the diagcore governance engine.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParameterNode is a tagged variant: either a numeric leaf or a named group of
// child nodes. The zero value is an empty group.
type ParameterNode struct {
	leaf     bool
	value    float64
	children map[string]*ParameterNode
}

type (
	// ParameterSnapshot is a full scoring-parameter tree; the root is always a group.
	ParameterSnapshot = *ParameterNode
	// AdjustmentPayload is a partial parameter tree carrying only the leaves to change.
	AdjustmentPayload = *ParameterNode
)

// Leaf constructs a numeric leaf node.
func Leaf(value float64) *ParameterNode {
	return &ParameterNode{leaf: true, value: value}
}

// Group constructs a group node from the provided children. The map is adopted
// as-is; callers hand over ownership.
func Group(children map[string]*ParameterNode) *ParameterNode {
	if children == nil {
		children = make(map[string]*ParameterNode)
	}
	return &ParameterNode{children: children}
}

// WeightGroup builds a flat group of numeric leaves from category weights.
func WeightGroup(weights map[string]float64) *ParameterNode {
	children := make(map[string]*ParameterNode, len(weights))
	for name, w := range weights {
		children[name] = Leaf(w)
	}
	return Group(children)
}

// Threshold group leaf names. A group whose leaves are exactly these three keys
// is classified as a threshold group by the normalization pass.
const (
	ThresholdHigh   = "high"
	ThresholdMedium = "medium"
	ThresholdLow    = "low"
)

// ThresholdGroup builds an ordered high/medium/low threshold triple.
func ThresholdGroup(high, medium, low float64) *ParameterNode {
	return Group(map[string]*ParameterNode{
		ThresholdHigh:   Leaf(high),
		ThresholdMedium: Leaf(medium),
		ThresholdLow:    Leaf(low),
	})
}

// IsLeaf reports whether the node carries a numeric value.
func (n *ParameterNode) IsLeaf() bool { return n != nil && n.leaf }

// Value returns the numeric value of a leaf; zero for groups.
func (n *ParameterNode) Value() float64 {
	if n == nil || !n.leaf {
		return 0
	}
	return n.value
}

// SetValue overwrites a leaf's numeric value. Calling it on a group panics:
// merge and normalization route mutations by tag before touching values.
func (n *ParameterNode) SetValue(value float64) {
	if !n.leaf {
		panic("domain: SetValue on group node")
	}
	n.value = value
}

// Child returns the named child of a group node.
func (n *ParameterNode) Child(name string) (*ParameterNode, bool) {
	if n == nil || n.leaf {
		return nil, false
	}
	child, ok := n.children[name]
	return child, ok
}

// SetChild inserts or replaces a named child on a group node.
func (n *ParameterNode) SetChild(name string, child *ParameterNode) {
	if n.leaf {
		panic("domain: SetChild on leaf node")
	}
	if n.children == nil {
		n.children = make(map[string]*ParameterNode)
	}
	n.children[name] = child
}

// ChildNames returns the sorted child names of a group node.
func (n *ParameterNode) ChildNames() []string {
	if n == nil || n.leaf {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of direct children of a group node.
func (n *ParameterNode) Len() int {
	if n == nil || n.leaf {
		return 0
	}
	return len(n.children)
}

// Clone produces a deep copy of the tree.
func (n *ParameterNode) Clone() *ParameterNode {
	if n == nil {
		return nil
	}
	if n.leaf {
		return Leaf(n.value)
	}
	children := make(map[string]*ParameterNode, len(n.children))
	for name, child := range n.children {
		children[name] = child.Clone()
	}
	return Group(children)
}

// Equal reports structural equality of two trees, comparing leaf values exactly.
func (n *ParameterNode) Equal(other *ParameterNode) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.leaf != other.leaf {
		return false
	}
	if n.leaf {
		return n.value == other.value
	}
	if len(n.children) != len(other.children) {
		return false
	}
	for name, child := range n.children {
		peer, ok := other.children[name]
		if !ok || !child.Equal(peer) {
			return false
		}
	}
	return true
}

// MergeConflictError reports a leaf/group tag mismatch between a payload and
// the snapshot it is merged into. The source system silently overwrote on
// mismatch; that is treated here as a caller bug and rejected.
type MergeConflictError struct {
	Path string
}

func (e MergeConflictError) Error() string {
	return fmt.Sprintf("parameter merge conflict at %q: leaf and group nodes cannot replace each other", e.Path)
}

// Merge applies the payload onto n in place. Groups merge recursively, leaf
// values overwrite, and missing branches are deep-copied in. A tag mismatch
// aborts with MergeConflictError; n may be partially updated on error, so
// callers merge into a working copy they own.
func (n *ParameterNode) Merge(payload AdjustmentPayload) error {
	return mergeNodes(n, payload, nil)
}

func mergeNodes(dst, src *ParameterNode, path []string) error {
	if src == nil {
		return nil
	}
	if dst.leaf != src.leaf {
		return MergeConflictError{Path: strings.Join(path, ".")}
	}
	if src.leaf {
		dst.value = src.value
		return nil
	}
	for _, name := range src.ChildNames() {
		child, _ := src.Child(name)
		existing, ok := dst.children[name]
		if !ok {
			dst.SetChild(name, child.Clone())
			continue
		}
		if err := mergeNodes(existing, child, append(path, name)); err != nil {
			return err
		}
	}
	return nil
}

// AdjustmentDegree computes the normalized magnitude of the payload against
// the current tree: the mean over every payload leaf of
// |new-old| / max(|old|, 1). Leaves absent from the current tree count with an
// old value of zero; a payload with no leaves yields zero.
func AdjustmentDegree(current ParameterSnapshot, payload AdjustmentPayload) float64 {
	var sum float64
	var terms int
	walkDegree(current, payload, &sum, &terms)
	if terms == 0 {
		return 0
	}
	return sum / float64(terms)
}

func walkDegree(current, payload *ParameterNode, sum *float64, terms *int) {
	if payload == nil {
		return
	}
	if payload.leaf {
		var old float64
		if current != nil && current.leaf {
			old = current.value
		}
		*sum += math.Abs(payload.value-old) / math.Max(math.Abs(old), 1)
		*terms++
		return
	}
	for name, child := range payload.children {
		var peer *ParameterNode
		if current != nil && !current.leaf {
			peer = current.children[name]
		}
		walkDegree(peer, child, sum, terms)
	}
}

// MarshalJSON encodes a leaf as a JSON number and a group as a JSON object.
func (n *ParameterNode) MarshalJSON() ([]byte, error) {
	if n.leaf {
		return json.Marshal(n.value)
	}
	m := make(map[string]*ParameterNode, len(n.children))
	for name, child := range n.children {
		m[name] = child
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a JSON number into a leaf and a JSON object into a group.
func (n *ParameterNode) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty parameter node")
	}
	if trimmed[0] == '{' {
		var children map[string]*ParameterNode
		if err := json.Unmarshal(trimmed, &children); err != nil {
			return err
		}
		if children == nil {
			children = make(map[string]*ParameterNode)
		}
		n.leaf = false
		n.value = 0
		n.children = children
		return nil
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return fmt.Errorf("parameter leaf must be numeric: %w", err)
	}
	n.leaf = true
	n.value = value
	n.children = nil
	return nil
}

// ParseParameters decodes a parameter tree from raw JSON. The root must be a group.
func ParseParameters(raw json.RawMessage) (ParameterSnapshot, error) {
	var node ParameterNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if node.leaf {
		return nil, fmt.Errorf("parameter root must be a group")
	}
	return &node, nil
}
