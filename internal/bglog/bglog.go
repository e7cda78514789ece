// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package bglog provides the single root logger used throughout the
// build-graph core, following an hclog.Logger-with-Named-children pattern
// so each subsystem logs under its own name.
package bglog

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var root = sync.OnceValue(func() hclog.Logger {
	level := hclog.Info
	if v := os.Getenv("BUILDGRAPH_LOG"); v != "" {
		level = hclog.LevelFromString(v)
		if level == hclog.NoLevel {
			level = hclog.Info
		}
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "buildgraph",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: strings.EqualFold(os.Getenv("BUILDGRAPH_LOG_JSON"), "1"),
	})
})

// Root returns the process-wide root logger.
func Root() hclog.Logger {
	return root()
}

// Named returns a child of the root logger with the given component name,
// matching the convention used by the subsystems that log: "executor",
// "scanner", "cleaner", "watch".
func Named(name string) hclog.Logger {
	return root().Named(name)
}

// New constructs a standalone logger with the given name and output,
// independent of the process-wide root logger. Test code uses this to
// capture trace-level scanner messages without
// disturbing global state.
func New(name string, opts *hclog.LoggerOptions) hclog.Logger {
	if opts == nil {
		opts = &hclog.LoggerOptions{}
	}
	if opts.Name == "" {
		opts.Name = name
	}
	return hclog.New(opts)
}
