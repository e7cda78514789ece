// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opentofu-labs/buildgraph/internal/clean"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
)

func newCleanCommand() *cobra.Command {
	var (
		temporariesOnly bool
		dryRun          bool
		keepGoing       bool
	)
	cmd := &cobra.Command{
		Use:   "clean <graph-file>",
		Short: "Remove a graph's generated artifacts from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := restoreGraph(args[0])
			if err != nil {
				return err
			}
			cleanType := clean.All
			if temporariesOnly {
				cleanType = clean.Temporaries
			}
			cleaner := clean.New(g, fsutil.NewOS())
			res, err := cleaner.Cleanup(nil, clean.Options{
				Type:      cleanType,
				DryRun:    dryRun,
				KeepGoing: keepGoing,
			})
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d files removed, %d directories pruned\n",
					len(res.Removed), len(res.DirsRemoved))
			}
			if err != nil {
				return err
			}
			return persistGraph(args[0], g)
		},
	}
	cmd.Flags().BoolVar(&temporariesOnly, "temporaries", false, "keep terminal target artifacts")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report what would be removed without removing it")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue past removal errors")
	return cmd
}
