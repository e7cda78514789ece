// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scanner implements the input-artifact scanner: given a
// generated artifact, it consults every registered plug-in matching the
// artifact's inputs' file tags to discover implicit children (header
// includes and similar), resolves each one against the input's own
// directory or its flattened cpp.includePaths, and wires the result back
// into the graph as new edges or synthesized FileDependency artifacts.
//
// The plug-in ABI is a read-only open/next/close contract: production
// code never parses file contents itself, it only drives whatever Plugin
// implementations the caller registered.
package scanner

import (
	"path"
	"strings"

	"github.com/opentofu-labs/buildgraph/internal/bglog"
	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/scancache"
)

// Dependency is one raw result yielded by a Plugin's Next call: a resolved
// or unresolved include-style reference plus whether it used local
// ("quoted") include syntax.
type Dependency struct {
	Path  string
	Local bool
}

// Plugin is the read-only scanner plug-in ABI consumed by the executor:
// open a file, enumerate its dependencies, close it. Implementations are
// expected to be cheap to construct; Scanner calls Open once per matched
// file.
type Plugin interface {
	// FileTag is the tag this plug-in is registered against.
	FileTag() model.FileTag
	// UsesIncludePaths reports whether Open should receive the flattened
	// cpp.includePaths for the file being scanned.
	UsesIncludePaths() bool
	// Recursive reports whether dependencies this plug-in discovers
	// should themselves be queued for scanning by the same plug-in.
	Recursive() bool
	// Open begins scanning path, given the include paths if
	// UsesIncludePaths is true. Returns a Handle to drive via Next/Close,
	// or an error if the plug-in refused to open the file; refusal is
	// recovered locally, never fatal.
	Open(path string, includePaths []string) (Handle, error)
	// AdditionalFileTags optionally reports extra tags to attach to the
	// artifact being scanned, for the tag-inferring pre-pass.
	AdditionalFileTags(h Handle) []model.FileTag
}

// Handle is an open scan session, enumerated via Next and released via
// Close.
type Handle interface {
	// Next returns the next dependency reference, or ok=false once
	// enumeration is exhausted.
	Next() (dep Dependency, ok bool)
	Close()
}

// resolved is the outcome of resolving one dependency reference (already
// split into directory/file name candidates by Scanner) against the
// project: a matching live artifact handle, or InvalidArtifactHandle plus
// a disk path that should become a synthesized FileDependency, or ok=false
// if the reference could not be resolved at all.
type resolved struct {
	artifact model.ArtifactHandle
	diskPath string
	ok       bool
}

// Scanner refreshes the implicit children of generated artifacts by
// consulting the registered plug-ins and a per-run resolution cache.
type Scanner struct {
	g        *graph.Graph
	cache    *scancache.Cache
	fs       fsutil.FS
	plugins  map[model.FileTag][]Plugin
	resolved map[resolveKey]resolved
	log      hclogLogger
}

type resolveKey struct {
	fileName string
	dirPath  string
}

// hclogLogger is the subset of hclog.Logger this package needs, named to
// avoid importing hclog's full surface into the package doc.
type hclogLogger interface {
	Trace(msg string, args ...any)
}

// New constructs a Scanner over g, using cache to memoize per-file scan
// results for the duration of one executor run and fs to probe disk
// paths that don't correspond to any known artifact.
func New(g *graph.Graph, cache *scancache.Cache, fs fsutil.FS, plugins []Plugin) *Scanner {
	s := &Scanner{
		g:        g,
		cache:    cache,
		fs:       fs,
		plugins:  make(map[model.FileTag][]Plugin),
		resolved: make(map[resolveKey]resolved),
		log:      bglog.Named("scanner"),
	}
	for _, p := range plugins {
		s.plugins[p.FileTag()] = append(s.plugins[p.FileTag()], p)
	}
	return s
}

// Refresh recomputes the implicit children of the generated artifact a,
// whose transformer has input set inputs. It reports whether any new child artifact was
// introduced, so the executor can requeue a and push new unbuilt children
// as leaves.
func (s *Scanner) Refresh(a model.ArtifactHandle, inputs []model.ArtifactHandle) (introducedNew bool, diags diag.Diagnostics) {
	artifact := s.g.Artifact(a)
	if artifact == nil {
		return false, diags
	}

	// Step 1: clear implicit state and disconnect children no longer
	// among the (possibly changed) input set.
	artifact.FileDependencies = make(map[model.ArtifactHandle]struct{})
	inputSet := make(map[model.ArtifactHandle]struct{}, len(inputs))
	for _, h := range inputs {
		inputSet[h] = struct{}{}
	}
	for _, child := range append([]model.ArtifactHandle(nil), artifact.Children.Ordered()...) {
		if _, isInput := inputSet[child]; isInput {
			continue
		}
		if _, addedByScanner := artifact.ChildrenAddedByScanner[child]; addedByScanner {
			s.g.Disconnect(a, child)
		}
	}
	artifact.ChildrenAddedByScanner = make(map[model.ArtifactHandle]struct{})

	seenThisInvocation := make(map[string]struct{})

	for _, ih := range inputs {
		input := s.g.Artifact(ih)
		if input == nil {
			continue
		}
		matching := s.matchingPlugins(input.FileTags)
		if len(matching) == 0 {
			continue
		}

		var includePaths []string
		for _, p := range matching {
			if p.UsesIncludePaths() {
				includePaths = input.Properties.StringListProperty("cpp.includePaths")
				break
			}
		}

		for _, p := range matching {
			result, d := s.cache.Value(input.FilePath, func() (scancache.Result, diag.Diagnostics) {
				return s.scanOne(p, input.FilePath, includePaths, seenThisInvocation)
			})
			diags = diags.Append(d)
			if !result.Valid {
				continue
			}
			for _, dep := range result.Deps {
				res := s.resolveDependency(dep, input, includePaths)
				if !res.ok {
					s.log.Trace("could not resolve scanned dependency", "file", dep.FilePath(), "from", input.FilePath)
					continue
				}
				if res.artifact != model.InvalidArtifactHandle {
					if !artifact.Children.Has(res.artifact) {
						if err := s.g.Connect(a, res.artifact); err == nil {
							artifact.ChildrenAddedByScanner[res.artifact] = struct{}{}
							introducedNew = true
						}
					}
					continue
				}
				fdHandle := s.g.AddFileDependency(res.diskPath)
				if _, already := artifact.FileDependencies[fdHandle]; !already {
					artifact.FileDependencies[fdHandle] = struct{}{}
				}
			}
		}
	}
	return introducedNew, diags
}

// InferTags drives the optional AdditionalFileTags hook of every plug-in
// matching tags against filePath, for the tag-inferring pre-pass: the
// returned tags are the ones plug-ins report beyond what the file already
// carries. A plug-in that refuses to open the file contributes nothing.
func (s *Scanner) InferTags(filePath string, tags model.TagSet) []model.FileTag {
	var out []model.FileTag
	seen := make(map[model.FileTag]bool)
	for _, p := range s.matchingPlugins(tags) {
		h, err := p.Open(filePath, nil)
		if err != nil {
			s.log.Trace("tag-inferring scanner could not open file", "file", filePath, "error", err)
			continue
		}
		for _, t := range p.AdditionalFileTags(h) {
			if !seen[t] && !tags.Has(t) {
				seen[t] = true
				out = append(out, t)
			}
		}
		h.Close()
	}
	return out
}

func (s *Scanner) matchingPlugins(tags model.TagSet) []Plugin {
	var out []Plugin
	for tag := range tags {
		out = append(out, s.plugins[tag]...)
	}
	return out
}

// scanOne drives one plug-in over path and, if the plug-in is recursive,
// every dependency it discovers, deduplicated within this top-level
// invocation.
func (s *Scanner) scanOne(p Plugin, filePath string, includePaths []string, seen map[string]struct{}) (scancache.Result, diag.Diagnostics) {
	var diags diag.Diagnostics
	if _, already := seen[filePath]; already {
		return scancache.Result{Valid: true}, diags
	}
	seen[filePath] = struct{}{}

	h, err := p.Open(filePath, includePaths)
	if err != nil {
		diags = diags.Append(diag.Warn(diag.KindScanner, "scanner for tag %q could not open %q: %s", p.FileTag(), filePath, err))
		return scancache.Result{Valid: false}, diags
	}
	defer h.Close()

	var out scancache.Result
	out.Valid = true
	for {
		dep, ok := h.Next()
		if !ok {
			break
		}
		dirPath, fileName := splitPath(dep.Path)
		out.Deps = append(out.Deps, scancache.Dependency{DirPath: dirPath, FileName: fileName, Local: dep.Local})
		if p.Recursive() {
			sub, subDiags := s.scanOne(p, dep.Path, includePaths, seen)
			diags = diags.Append(subDiags)
			out.Deps = append(out.Deps, sub.Deps...)
		}
	}
	return out, diags
}

// resolveDependency resolves one scanned reference: absolute paths are
// taken verbatim, local includes try the input's directory first, and
// everything else walks the include paths in order. The per-run
// resolution cache keyed on (filename, dirpath) is consulted before
// re-resolving.
func (s *Scanner) resolveDependency(dep scancache.Dependency, from *model.Artifact, includePaths []string) resolved {
	key := resolveKey{fileName: dep.FileName, dirPath: dep.DirPath}
	if r, ok := s.resolved[key]; ok {
		return r
	}

	// A local ("quoted") include tries the including file's own directory
	// before the include paths; a non-local one searches the include
	// paths only and stays unresolved if they are exhausted.
	var candidates []string
	switch {
	case path.IsAbs(dep.FilePath()):
		candidates = []string{dep.FilePath()}
	case dep.Local:
		candidates = append(candidates, joinDir(from.DirPath(), dep.FilePath()))
		candidates = append(candidates, includePathCandidates(dep.FilePath(), includePaths)...)
	default:
		candidates = includePathCandidates(dep.FilePath(), includePaths)
	}

	var r resolved
	for _, c := range candidates {
		dir, name := splitPath(c)
		if h, ok := s.g.LookupArtifact(model.InvalidProductHandle, dir, name); ok {
			r = resolved{artifact: h, ok: true}
			break
		}
		if s.fs.Exists(c) {
			r = resolved{diskPath: c, ok: true}
			break
		}
	}
	s.resolved[key] = r
	return r
}

func includePathCandidates(rel string, includePaths []string) []string {
	out := make([]string, 0, len(includePaths))
	for _, ip := range includePaths {
		out = append(out, joinDir(ip, rel))
	}
	return out
}

func joinDir(dir, rel string) string {
	if dir == "" {
		return rel
	}
	return strings.TrimSuffix(dir, "/") + "/" + rel
}

func splitPath(p string) (dir, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}
