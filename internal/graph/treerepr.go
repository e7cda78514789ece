// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"fmt"
	"sort"

	"github.com/xlab/treeprint"

	"github.com/opentofu-labs/buildgraph/internal/model"
)

// TreeRepr renders the graph as an indented tree rooted at each product's
// target artifacts, for "buildgraphctl graph tree" and for troubleshooting
// output. An artifact reached through more than one parent is printed in
// full the first time and elided with "..." afterwards, so shared
// subtrees don't explode the output.
func (g *Graph) TreeRepr() string {
	tree := treeprint.New()
	for _, ph := range g.Products() {
		p := g.Product(ph)
		if p == nil {
			continue
		}
		branch := tree.AddBranch(fmt.Sprintf("product %s", p.Name))
		printed := make(map[model.ArtifactHandle]bool)
		targets := append([]model.ArtifactHandle(nil), p.TargetArtifacts...)
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		for _, h := range targets {
			g.addTreeNode(branch, h, printed)
		}
	}
	return tree.String()
}

func (g *Graph) addTreeNode(branch treeprint.Tree, h model.ArtifactHandle, printed map[model.ArtifactHandle]bool) {
	a := g.Artifact(h)
	if a == nil {
		return
	}
	label := fmt.Sprintf("%s [%s]", a.FilePath, a.Kind)
	if printed[h] {
		branch.AddNode(label + " ...")
		return
	}
	printed[h] = true
	if a.Children.Len() == 0 {
		branch.AddNode(label)
		return
	}
	sub := branch.AddBranch(label)
	for _, c := range a.Children.Ordered() {
		g.addTreeNode(sub, c, printed)
	}
}

// CycleRepr renders a CycleError as a tree fragment naming each artifact
// on the offending path, giving "cycle detected" failures the same
// human-readable shape DebugRepr gives the rest of the graph.
func (g *Graph) CycleRepr(e *CycleError) string {
	tree := treeprint.NewWithRoot("dependency cycle")
	branch := tree
	for _, h := range e.Path {
		a := g.Artifact(h)
		if a == nil {
			branch = branch.AddBranch(fmt.Sprintf("artifact %d", h))
			continue
		}
		branch = branch.AddBranch(a.FilePath)
	}
	return tree.String()
}
