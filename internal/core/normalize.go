// Package core implements the parameter governance engines: normalization,
// adjustment policy, case lifecycle, and batch metric aggregation.
package core

import (
	"diagcore/pkg/domain"
)

// NormalizationEngine enforces the weight-sum and threshold-ordering
// invariants on a parameter tree.
type NormalizationEngine struct{}

// NewNormalizationEngine constructs the engine. It is stateless.
func NewNormalizationEngine() *NormalizationEngine {
	return &NormalizationEngine{}
}

// Normalize repairs the tree in place. Every group holding numeric leaves is
// either a threshold group (leaves exactly high/medium/low) or a weight group;
// subgroups are classified independently on recursion.
func (e *NormalizationEngine) Normalize(snapshot domain.ParameterSnapshot) {
	if snapshot == nil || snapshot.IsLeaf() {
		return
	}
	normalizeGroup(snapshot)
}

func normalizeGroup(group *domain.ParameterNode) {
	names := group.ChildNames()

	var leaves []*domain.ParameterNode
	for _, name := range names {
		child, _ := group.Child(name)
		if child.IsLeaf() {
			leaves = append(leaves, child)
		} else {
			normalizeGroup(child)
		}
	}
	if len(leaves) == 0 {
		return
	}

	if isThresholdGroup(group) {
		normalizeThresholds(group)
		return
	}
	normalizeWeights(leaves)
}

// isThresholdGroup reports whether the group's leaf children are exactly the
// high/medium/low triple.
func isThresholdGroup(group *domain.ParameterNode) bool {
	var leafNames []string
	for _, name := range group.ChildNames() {
		child, _ := group.Child(name)
		if child.IsLeaf() {
			leafNames = append(leafNames, name)
		}
	}
	if len(leafNames) != 3 {
		return false
	}
	seen := map[string]bool{}
	for _, name := range leafNames {
		seen[name] = true
	}
	return seen[domain.ThresholdHigh] && seen[domain.ThresholdMedium] && seen[domain.ThresholdLow]
}

// normalizeWeights rescales the leaves to sum to 1; a non-positive sum resets
// the group to uniform.
func normalizeWeights(leaves []*domain.ParameterNode) {
	var sum float64
	for _, leaf := range leaves {
		sum += leaf.Value()
	}
	if sum > 0 {
		for _, leaf := range leaves {
			leaf.SetValue(leaf.Value() / sum)
		}
		return
	}
	uniform := 1 / float64(len(leaves))
	for _, leaf := range leaves {
		leaf.SetValue(uniform)
	}
}

// normalizeThresholds repairs a high/medium/low triple. The order of
// operations is load-bearing: each step reads the values produced by the
// steps before it in the same pass.
func normalizeThresholds(group *domain.ParameterNode) {
	high, _ := group.Child(domain.ThresholdHigh)
	medium, _ := group.Child(domain.ThresholdMedium)
	low, _ := group.Child(domain.ThresholdLow)

	high.SetValue(clamp01(high.Value()))
	medium.SetValue(clamp01(medium.Value()))
	low.SetValue(clamp01(low.Value()))

	if high.Value() < medium.Value() {
		high.SetValue(medium.Value() + 0.1)
	}
	if medium.Value() < low.Value() {
		medium.SetValue(low.Value() + 0.1)
	}
	if high.Value() > 1 {
		excess := high.Value() - 1
		high.SetValue(1)
		medium.SetValue(floor0(medium.Value() - excess))
		low.SetValue(floor0(low.Value() - excess))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floor0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
