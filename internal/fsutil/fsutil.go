// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package fsutil wraps github.com/spf13/afero so the executor's and
// cleaner's artifact file operations go through one filesystem value:
// production code gets an afero.OsFs, while tests swap in an in-memory
// afero.MemMapFs and get identical behavior from the rest of the core.
// The executor's temporary response files are the exception; they are
// created and removed through os directly.
package fsutil

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// FS is the filesystem surface the core needs: directory creation,
// existence and mtime probes, and recursive removal for the cleaner.
type FS struct {
	afero.Afero
}

// NewOS returns an FS backed by the real operating system filesystem.
func NewOS() FS {
	return FS{afero.Afero{Fs: afero.NewOsFs()}}
}

// NewMem returns an FS backed by an in-memory filesystem, for tests.
func NewMem() FS {
	return FS{afero.Afero{Fs: afero.NewMemMapFs()}}
}

// MkdirAllForFile ensures the parent directory of path exists.
func (f FS) MkdirAllForFile(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "/" {
		return nil
	}
	return f.MkdirAll(dir, 0o755)
}

// Exists reports whether path is present on the filesystem.
func (f FS) Exists(path string) bool {
	ok, err := f.Afero.Exists(path)
	return err == nil && ok
}

// ModTime returns path's on-disk modification time, or the zero time if
// path does not exist or cannot be stat'd.
func (f FS) ModTime(path string) time.Time {
	info, err := f.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// RemoveFile removes path if it exists, treating "already gone" as
// success rather than an error — repeated cleans and concurrent builds
// both rely on this being idempotent.
func (f FS) RemoveFile(path string) error {
	err := f.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveEmptyDirsUpward removes dir and then each of its ancestors, up to
// (but not including) stopAt, as long as each is empty. It stops at the
// first non-empty directory.
func (f FS) RemoveEmptyDirsUpward(dir, stopAt string) error {
	for dir != "" && dir != stopAt && dir != "." && dir != "/" {
		entries, err := f.ReadDir(dir)
		if err != nil {
			return nil //nolint:nilerr // directory already gone; nothing to prune
		}
		if len(entries) > 0 {
			return nil
		}
		if err := f.Remove(dir); err != nil {
			return err
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
