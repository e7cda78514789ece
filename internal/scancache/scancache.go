// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scancache memoizes the implicit-dependency results the input
// scanner produces for a file, keyed by path, so a file scanned once
// during a build is not re-parsed during that build unless its entry is
// dropped (see Cache.Remove), as happens when the file is rebuilt.
package scancache

import (
	"sync"

	"github.com/opentofu-labs/buildgraph/internal/diag"
)

// Dependency is one implicit dependency discovered in a scanned file:
// an include-like reference, split into directory and file name the way
// the scanner's path resolution expects, plus whether the reference used
// local ("quoted") include syntax.
type Dependency struct {
	DirPath  string
	FileName string
	Local    bool
}

// FilePath reconstructs the dependency's full path.
func (d Dependency) FilePath() string {
	if d.DirPath == "" {
		return d.FileName
	}
	return d.DirPath + "/" + d.FileName
}

// Result is the memoized outcome of scanning one file: its dependencies
// and whether the entry is still considered valid.
type Result struct {
	Deps  []Dependency
	Valid bool
}

type entry struct {
	mu        sync.Mutex
	populated bool
	value     Result
	diags     diag.Diagnostics
}

// Cache is a concurrency-safe, populate-once-per-key scan result cache.
// It is local to one executor run: the build command constructs a fresh
// Cache for every executor it creates rather than persisting scan results
// across runs, since the underlying files may have changed since the
// graph was last stored.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Value returns the memoized scan result for filePath, running populate
// to compute and cache it on first access. Concurrent calls for the same
// filePath block on each other rather than running populate twice.
func (c *Cache) Value(filePath string, populate func() (Result, diag.Diagnostics)) (Result, diag.Diagnostics) {
	c.mu.Lock()
	e, ok := c.entries[filePath]
	if !ok {
		e = &entry{}
		c.entries[filePath] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.populated {
		e.value, e.diags = populate()
		e.populated = true
	}
	return e.value, e.diags
}

// Remove drops any memoized entry for filePath, forcing the next Value
// call to re-populate it. The executor calls this whenever a file is
// (re)built, since its dependency set may have changed.
func (c *Cache) Remove(filePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, filePath)
}

// Invalidate marks filePath's entry invalid without discarding its
// dependency list: a caller can still read the stale dependency edges
// while knowing they must be re-derived before being trusted.
func (c *Cache) Invalidate(filePath string) {
	c.mu.Lock()
	e, ok := c.entries[filePath]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.value.Valid = false
	e.mu.Unlock()
}
