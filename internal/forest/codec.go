package forest

import (
	"encoding/json"
	"fmt"

	"fluxauth/internal/features"
)

type forestJSON struct {
	NumTrees      int        `json:"numTrees"`
	SubsampleSize int        `json:"subsampleSize"`
	MaxDepth      int        `json:"maxDepth"`
	SampleSize    int        `json:"sampleSize"`
	Trees         []treeJSON `json:"trees"`
}

type treeJSON struct {
	Nodes []nodeJSON `json:"nodes"`
}

// nodeJSON encodes leaves as {"size":n} and splits with the feature name.
type nodeJSON struct {
	Size    int      `json:"size"`
	Feature string   `json:"feature,omitempty"`
	Value   *float64 `json:"value,omitempty"`
	Left    *int32   `json:"left,omitempty"`
	Right   *int32   `json:"right,omitempty"`
}

// MarshalJSON encodes the hyperparameters and the full structure of every tree.
func (f *Forest) MarshalJSON() ([]byte, error) {
	out := forestJSON{
		NumTrees:      f.cfg.NumTrees,
		SubsampleSize: f.cfg.SubsampleSize,
		MaxDepth:      f.cfg.MaxDepth,
		SampleSize:    f.sampleSize,
		Trees:         make([]treeJSON, len(f.trees)),
	}
	for i, t := range f.trees {
		nodes := make([]nodeJSON, len(t.Nodes))
		for j, n := range t.Nodes {
			nodes[j] = nodeJSON{Size: n.Size}
			if n.Kind == KindSplit {
				value, left, right := n.Value, n.Left, n.Right
				nodes[j].Feature = n.Feature.String()
				nodes[j].Value = &value
				nodes[j].Left = &left
				nodes[j].Right = &right
			}
		}
		out.Trees[i] = treeJSON{Nodes: nodes}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a forest without retraining.
func (f *Forest) UnmarshalJSON(data []byte) error {
	var in forestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}
	if len(in.Trees) > 0 && in.SampleSize <= 0 {
		return fmt.Errorf("decode forest: missing sample size")
	}

	trees := make([]Tree, len(in.Trees))
	for i, tj := range in.Trees {
		nodes := make([]Node, len(tj.Nodes))
		for j, nj := range tj.Nodes {
			if nj.Feature == "" {
				nodes[j] = Node{Kind: KindLeaf, Size: nj.Size}
				continue
			}
			if nj.Value == nil || nj.Left == nil || nj.Right == nil {
				return fmt.Errorf("decode forest: tree %d node %d: incomplete split", i, j)
			}
			feat, err := features.ParseFeature(nj.Feature)
			if err != nil {
				return fmt.Errorf("decode forest: tree %d node %d: %w", i, j, err)
			}
			nodes[j] = Node{
				Kind:    KindSplit,
				Size:    nj.Size,
				Feature: feat,
				Value:   *nj.Value,
				Left:    *nj.Left,
				Right:   *nj.Right,
			}
		}
		t := Tree{Nodes: nodes}
		if !t.valid() {
			return fmt.Errorf("decode forest: tree %d has invalid structure", i)
		}
		trees[i] = t
	}

	restored := New(Config{
		NumTrees:      in.NumTrees,
		SubsampleSize: in.SubsampleSize,
		MaxDepth:      in.MaxDepth,
	})
	restored.trees = trees
	restored.sampleSize = in.SampleSize
	*f = *restored
	return nil
}
