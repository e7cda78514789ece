// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package scanner

import (
	"bufio"
	"strings"

	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/model"
)

// CppIncludeScanner is a reference Plugin implementation for the "cpp"
// file tag: it line-scans a source file for `#include "..."` and
// `#include <...>` directives. It declares UsesIncludePaths and
// Recursive, matching a C preprocessor's behavior of chasing transitive
// includes through the same search rules.
type CppIncludeScanner struct {
	fs fsutil.FS
}

// NewCppIncludeScanner constructs a CppIncludeScanner reading files
// through fs.
func NewCppIncludeScanner(fs fsutil.FS) *CppIncludeScanner {
	return &CppIncludeScanner{fs: fs}
}

func (s *CppIncludeScanner) FileTag() model.FileTag   { return "cpp" }
func (s *CppIncludeScanner) UsesIncludePaths() bool   { return true }
func (s *CppIncludeScanner) Recursive() bool          { return true }
func (s *CppIncludeScanner) AdditionalFileTags(Handle) []model.FileTag { return nil }

func (s *CppIncludeScanner) Open(path string, _ []string) (Handle, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	return &cppHandle{scanner: bufio.NewScanner(f), closer: f}, nil
}

type cppHandle struct {
	scanner *bufio.Scanner
	closer  interface{ Close() error }
	pending []Dependency
	pos     int
}

func (h *cppHandle) Next() (Dependency, bool) {
	if h.pos < len(h.pending) {
		d := h.pending[h.pos]
		h.pos++
		return d, true
	}
	for h.scanner.Scan() {
		if dep, ok := parseIncludeLine(h.scanner.Text()); ok {
			return dep, true
		}
	}
	return Dependency{}, false
}

func (h *cppHandle) Close() {
	_ = h.closer.Close()
}

// parseIncludeLine recognizes `#include "foo.h"` and `#include <foo.h>`,
// tolerating leading whitespace. Block comments and macro-expanded
// includes are not handled; this is a dependency scanner, not a full
// preprocessor.
func parseIncludeLine(line string) (Dependency, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#include") {
		return Dependency{}, false
	}
	rest := strings.TrimSpace(trimmed[len("#include"):])
	if len(rest) < 2 {
		return Dependency{}, false
	}
	switch rest[0] {
	case '"':
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return Dependency{}, false
		}
		return Dependency{Path: rest[1 : 1+end], Local: true}, true
	case '<':
		end := strings.IndexByte(rest[1:], '>')
		if end < 0 {
			return Dependency{}, false
		}
		return Dependency{Path: rest[1 : 1+end], Local: false}, true
	default:
		return Dependency{}, false
	}
}
