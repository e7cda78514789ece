// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// buildgraphctl is a thin operations and debugging CLI around the
// build-graph core: it restores a persisted build graph file and builds
// it, cleans its generated artifacts, or renders it for inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "buildgraphctl",
		Short:         "Inspect and operate on persisted build graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBuildCommand())
	root.AddCommand(newCleanCommand())
	root.AddCommand(newGraphCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
