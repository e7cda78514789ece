// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/opentofu-labs/buildgraph/internal/exec"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/pool"
	"github.com/opentofu-labs/buildgraph/internal/scancache"
	"github.com/opentofu-labs/buildgraph/internal/scanner"
	"github.com/opentofu-labs/buildgraph/internal/script"
	"github.com/opentofu-labs/buildgraph/internal/watch"
)

func newBuildCommand() *cobra.Command {
	var (
		jobs      int
		keepGoing bool
		buildRoot string
		watchMode bool
	)
	cmd := &cobra.Command{
		Use:   "build <graph-file>",
		Short: "Restore a persisted build graph and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := restoreGraph(args[0])
			if err != nil {
				return err
			}
			engine, err := script.New()
			if err != nil {
				return err
			}
			fs := fsutil.NewOS()
			newExecutor := func() *exec.Executor {
				cache := scancache.New()
				sc := scanner.New(g, cache, fs, []scanner.Plugin{scanner.NewCppIncludeScanner(fs)})
				return exec.New(g, fs, cache, sc, engine)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			runOnce := func(changed []string) error {
				res, err := newExecutor().Build(ctx, exec.Options{
					Parallelism:  jobs,
					KeepGoing:    keepGoing,
					BuildRoot:    buildRoot,
					ChangedFiles: changed,
					Environment:  environMap(),
				})
				if res != nil {
					reportCommands(cmd, res)
				}
				if err != nil {
					return err
				}
				return persistGraph(args[0], g)
			}

			if err := runOnce(nil); err != nil {
				return err
			}
			if !watchMode {
				return nil
			}

			w, err := watch.New(g, watch.DefaultDebounce)
			if err != nil {
				return err
			}
			defer w.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "watching for changes; interrupt to stop")
			err = w.Run(ctx, func(changed []string) {
				if buildErr := runOnce(changed); buildErr != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "rebuild failed:", buildErr)
				}
			})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "number of parallel workers (0 = host parallelism)")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue building unrelated work after a failure")
	cmd.Flags().StringVar(&buildRoot, "build-root", "", "project root for the tag-inferring pre-pass")
	cmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "stay running and rebuild on source changes")
	return cmd
}

func restoreGraph(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	loaded, err := pool.Load(f)
	if err != nil {
		return nil, err
	}
	return loaded.Graph, nil
}

func persistGraph(path string, g *graph.Graph) error {
	if !g.Dirty() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	loaded, err := pool.Load(f)
	f.Close()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	storeErr := pool.Store(out, g, loaded.Head.ProjectID, loaded.Head.Configuration)
	closeErr := out.Close()
	if storeErr != nil {
		os.Remove(tmp)
		return storeErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, path)
}

func reportCommands(cmd *cobra.Command, res *exec.Result) {
	for _, cr := range res.Commands {
		status := "ok"
		if cr.Err != nil {
			status = "failed: " + cr.Err.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %v (exit %d)\n", status, cr.Program, cr.Args, cr.ExitCode)
		for _, line := range cr.Stderr {
			fmt.Fprintln(cmd.ErrOrStderr(), "  "+line)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d artifacts built, %d commands\n",
		res.RunID, len(res.Built), len(res.Commands))
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
