// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package clean walks a product's generated artifacts and removes them
// from disk, optionally pruning directories left empty afterward.
// Cleaning only temporaries skips artifacts with no parents; keepGoing
// accumulates removal failures and a sticky error flag instead of
// aborting; dryRun only logs.
package clean

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/opentofu-labs/buildgraph/internal/bglog"
	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
)

// Type selects which generated artifacts a cleanup pass removes.
type Type int

const (
	// All removes every generated artifact belonging to the selected
	// products.
	All Type = iota
	// Temporaries removes every generated artifact except terminal
	// targets (artifacts with no parents).
	Temporaries
)

// Options controls one Cleanup call.
type Options struct {
	Type      Type
	DryRun    bool
	KeepGoing bool
}

// Result reports what one Cleanup call did.
type Result struct {
	Removed     []string
	DirsRemoved []string
	HadError    bool
}

// Cleaner removes generated artifacts (and, afterward, directories left
// empty by their removal) from disk.
type Cleaner struct {
	g  *graph.Graph
	fs fsutil.FS
}

// New constructs a Cleaner over g, performing filesystem operations
// through fs.
func New(g *graph.Graph, fs fsutil.FS) *Cleaner {
	return &Cleaner{g: g, fs: fs}
}

// Cleanup removes the generated artifacts of every product in products
// (every enabled product if products is empty) per opts, then prunes any
// directory left empty by the removals, bottom-up.
func (c *Cleaner) Cleanup(products []model.ProductHandle, opts Options) (*Result, error) {
	log := bglog.Named("cleaner")
	if len(products) == 0 {
		products = c.g.Products()
	}

	res := &Result{}
	dirs := make(map[string]bool)
	var merr *multierror.Error

	for _, ph := range products {
		p := c.g.Product(ph)
		if p == nil || !p.Enabled {
			continue
		}
		for _, ah := range p.Artifacts {
			a := c.g.Artifact(ah)
			if a == nil || a.Kind != model.KindGenerated {
				continue
			}
			if opts.Type == Temporaries && a.Parents.Len() == 0 {
				continue
			}
			removed, err := c.removeOne(a, opts, log)
			if removed {
				res.Removed = append(res.Removed, a.FilePath)
				dirs[a.DirPath()] = true
			}
			if err != nil {
				if !opts.KeepGoing {
					return res, err
				}
				log.Warn("failed to remove artifact", "path", a.FilePath, "error", err)
				merr = multierror.Append(merr, err)
				res.HadError = true
			}
		}
	}

	dirNames := make([]string, 0, len(dirs))
	for d := range dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)
	for _, d := range dirNames {
		if !c.fs.Exists(d) {
			continue
		}
		removed, err := c.removeEmptyDirsRecursive(d, opts, log)
		res.DirsRemoved = append(res.DirsRemoved, removed...)
		if err != nil {
			if !opts.KeepGoing {
				return res, err
			}
			merr = multierror.Append(merr, err)
			res.HadError = true
		}
	}

	if merr != nil {
		return res, diag.Wrap(diag.KindIO, merr, "failed to remove some files")
	}
	return res, nil
}

// removeOne removes a single generated artifact's file from disk,
// clearing its timestamp so the next build treats it as not up to date.
// Outside dry-run mode the timestamp is cleared whether or not the file
// exists and before the removal is attempted; a dry run only logs and
// leaves the timestamp as it is.
func (c *Cleaner) removeOne(a *model.Artifact, opts Options, log hclogLogger) (removed bool, err error) {
	exists := c.fs.Exists(a.FilePath)
	if !exists {
		if !opts.DryRun {
			a.Timestamp = time.Time{}
		}
		return false, nil
	}
	if opts.DryRun {
		log.Info("would remove", "path", a.FilePath)
		return false, nil
	}
	log.Debug("removing", "path", a.FilePath)
	a.Timestamp = time.Time{}
	if err := c.fs.RemoveFile(a.FilePath); err != nil {
		return false, fmt.Errorf("removing %q: %w", a.FilePath, err)
	}
	return true, nil
}

// removeEmptyDirsRecursive removes dir, bottom-up, if it and every
// subdirectory it contains is empty.
func (c *Cleaner) removeEmptyDirsRecursive(dir string, opts Options, log hclogLogger) ([]string, error) {
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	var removed []string
	empty := true
	for _, entry := range entries {
		if entry.IsDir() {
			sub := dir + "/" + entry.Name()
			subRemoved, err := c.removeEmptyDirsRecursive(sub, opts, log)
			removed = append(removed, subRemoved...)
			if err != nil {
				return removed, err
			}
			if c.fs.Exists(sub) {
				empty = false
			}
		} else {
			empty = false
		}
	}

	if !empty {
		return removed, nil
	}
	if opts.DryRun {
		log.Info("would remove empty directory", "path", dir)
		return removed, nil
	}
	log.Debug("removing empty directory", "path", dir)
	if err := c.fs.Remove(dir); err != nil {
		return removed, fmt.Errorf("removing empty directory %q: %w", dir, err)
	}
	return append(removed, dir), nil
}

type hclogLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}
