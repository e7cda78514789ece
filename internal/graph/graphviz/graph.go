// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package graphviz

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
)

// RenderOptions carries the document-level Graphviz attributes
// WriteDirectedGraph applies to the whole digraph, to every node, and to
// every edge by default.
type RenderOptions struct {
	Attrs            Attributes
	DefaultNodeAttrs Attributes
	DefaultEdgeAttrs Attributes

	DefaultEdgeDirectionIn  EdgeAttachmentDirection
	DefaultEdgeDirectionOut EdgeAttachmentDirection
}

func nodeForArtifact(a *model.Artifact) Node {
	return Node{
		ID: fmt.Sprintf("artifact%d", a.Handle),
		Attrs: Attributes{
			"label": Val(fmt.Sprintf("%s\\n%s", a.FilePath, a.Kind)),
			"shape": Val(shapeForKind(a.Kind)),
		},
	}
}

func shapeForKind(k model.ArtifactKind) string {
	switch k {
	case model.KindGenerated:
		return "box"
	case model.KindFileDependency:
		return "ellipse"
	default:
		return "octagon"
	}
}

// WriteDirectedGraph renders every live artifact in g, and every edge
// between them, as a Graphviz "digraph" on w. If this function returns an
// error then an unspecified amount of partial data might already have
// been written to w.
func WriteDirectedGraph(g *graph.Graph, opts RenderOptions, w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString("digraph {\n"); err != nil {
		return err
	}
	if err := writeGraphAttrs(bw, opts.Attrs); err != nil {
		return err
	}
	if err := writeDefaultAttrs(bw, "node", opts.DefaultNodeAttrs); err != nil {
		return err
	}
	if err := writeDefaultAttrs(bw, "edge", opts.DefaultEdgeAttrs); err != nil {
		return err
	}

	handles := g.Artifacts()
	nodes := make([]Node, 0, len(handles))
	byHandle := make(map[model.ArtifactHandle]*model.Artifact, len(handles))
	for _, h := range handles {
		a := g.Artifact(h)
		byHandle[h] = a
		nodes = append(nodes, nodeForArtifact(a))
	}
	slices.SortFunc(nodes, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })

	for _, node := range nodes {
		if err := writeNode(bw, node); err != nil {
			return err
		}
	}

	type edge struct{ src, dst string }
	var edges []edge
	for _, h := range handles {
		a := byHandle[h]
		srcID := fmt.Sprintf("artifact%d", h)
		for _, c := range a.Children.Ordered() {
			edges = append(edges, edge{src: srcID, dst: fmt.Sprintf("artifact%d", c)})
		}
	}
	slices.SortFunc(edges, func(a, b edge) int {
		if c := cmp.Compare(a.src, b.src); c != 0 {
			return c
		}
		return cmp.Compare(a.dst, b.dst)
	})

	for _, e := range edges {
		if _, err := bw.WriteString("  "); err != nil {
			return err
		}
		if _, err := bw.WriteString(quoteForGraphviz(e.src)); err != nil {
			return err
		}
		if _, err := bw.WriteString(string(opts.DefaultEdgeDirectionOut)); err != nil {
			return err
		}
		if _, err := bw.WriteString(" -> "); err != nil {
			return err
		}
		if _, err := bw.WriteString(quoteForGraphviz(e.dst)); err != nil {
			return err
		}
		if _, err := bw.WriteString(string(opts.DefaultEdgeDirectionIn)); err != nil {
			return err
		}
		if _, err := bw.WriteString(";\n"); err != nil {
			return err
		}
	}

	if _, err := bw.WriteString("}\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func writeGraphAttrs(bw *bufio.Writer, attrs Attributes) error {
	if len(attrs) == 0 {
		return nil
	}
	names := slices.Collect(maps.Keys(attrs))
	slices.Sort(names)
	for _, name := range names {
		if _, err := bw.WriteString("  "); err != nil {
			return err
		}
		if err := writeGraphvizAttr(name, attrs[name], bw); err != nil {
			return err
		}
		if _, err := bw.WriteString(";\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeDefaultAttrs(bw *bufio.Writer, keyword string, attrs Attributes) error {
	if len(attrs) == 0 {
		return nil
	}
	if _, err := bw.WriteString("  " + keyword + " ["); err != nil {
		return err
	}
	if err := writeGraphvizAttrList(attrs, bw); err != nil {
		return err
	}
	_, err := bw.WriteString("];\n")
	return err
}

func writeNode(bw *bufio.Writer, node Node) error {
	if _, err := bw.WriteString("  "); err != nil {
		return err
	}
	if _, err := bw.WriteString(quoteForGraphviz(node.ID)); err != nil {
		return err
	}
	if len(node.Attrs) != 0 {
		if _, err := bw.WriteString(" ["); err != nil {
			return err
		}
		if err := writeGraphvizAttrList(node.Attrs, bw); err != nil {
			return err
		}
		if _, err := bw.WriteString("]"); err != nil {
			return err
		}
	}
	_, err := bw.WriteString(";\n")
	return err
}
