// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opentofu-labs/buildgraph/internal/graph/graphviz"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render a persisted build graph for inspection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dot <graph-file>",
		Short: "Render the graph in Graphviz DOT format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := restoreGraph(args[0])
			if err != nil {
				return err
			}
			return graphviz.WriteDirectedGraph(g, graphviz.RenderOptions{
				Attrs: graphviz.Attributes{"rankdir": graphviz.Val("BT")},
			}, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tree <graph-file>",
		Short: "Render the graph as a tree rooted at each product's targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := restoreGraph(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), g.TreeRepr())
			return nil
		},
	})
	return cmd
}
