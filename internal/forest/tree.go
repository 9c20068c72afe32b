package forest

import (
	"math/rand/v2"

	"fluxauth/internal/features"
)

// NodeKind tags a tree node as a leaf or a split.
type NodeKind uint8

const (
	KindLeaf NodeKind = iota
	KindSplit
)

// Node is one entry of a tree arena. Leaves use Size only; splits route
// values below Value to Left and the rest to Right. Children are indexes
// into the owning tree's node slice.
type Node struct {
	Kind    NodeKind
	Size    int
	Feature features.Feature
	Value   float64
	Left    int32
	Right   int32
}

// Tree is a single isolation tree stored as an arena. Nodes[0] is the root.
type Tree struct {
	Nodes []Node
}

type sample = [features.NumCore]float64

// builder grows one tree from an independently seeded source.
type builder struct {
	rng      *rand.Rand
	maxDepth int
	nodes    []Node
}

func buildTree(samples []sample, maxDepth int, rng *rand.Rand) Tree {
	b := &builder{rng: rng, maxDepth: maxDepth, nodes: make([]Node, 0, 2*len(samples))}
	b.grow(samples, 0)
	return Tree{Nodes: b.nodes}
}

func (b *builder) grow(samples []sample, depth int) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Kind: KindLeaf, Size: len(samples)})

	if depth >= b.maxDepth || len(samples) <= 1 {
		return idx
	}

	f := features.Feature(b.rng.IntN(features.NumCore))
	lo, hi := samples[0][f], samples[0][f]
	for _, s := range samples[1:] {
		lo = min(lo, s[f])
		hi = max(hi, s[f])
	}
	if lo == hi {
		return idx
	}

	split := lo + b.rng.Float64()*(hi-lo)
	var left, right []sample
	for _, s := range samples {
		if s[f] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = Node{
		Kind:    KindSplit,
		Size:    len(samples),
		Feature: f,
		Value:   split,
		Left:    l,
		Right:   r,
	}
	return idx
}

// pathLength returns the depth at which v lands plus the expected
// remaining path of the unsplit leaf.
func (t Tree) pathLength(v sample) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	depth := 0
	n := t.Nodes[0]
	for n.Kind == KindSplit {
		if v[n.Feature] < n.Value {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// countSplits adds the split feature of every internal node to counts.
func (t Tree) countSplits(counts *[features.NumCore]int) {
	for _, n := range t.Nodes {
		if n.Kind == KindSplit && n.Feature.Core() {
			counts[n.Feature]++
		}
	}
}

// valid checks that every child index points forward inside the arena.
func (t Tree) valid() bool {
	if len(t.Nodes) == 0 {
		return false
	}
	for i, n := range t.Nodes {
		if n.Kind != KindSplit {
			continue
		}
		if !n.Feature.Core() {
			return false
		}
		if int(n.Left) <= i || int(n.Right) <= i ||
			int(n.Left) >= len(t.Nodes) || int(n.Right) >= len(t.Nodes) {
			return false
		}
	}
	return true
}
