// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package loader is the change-tracking layer of the build graph: it
// derives a stable project id and build-graph file path from a resolved
// configuration, loads a previously persisted graph, and, unless the
// caller asks for "restore only", decides whether a re-resolve is
// necessary and reconciles the freshly resolved project with the
// restored one. Removed products are torn down, structurally changed
// products are rebuilt from scratch, and products with only a changed
// file list are patched surgically.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/pool"
	"github.com/opentofu-labs/buildgraph/internal/resolve"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

// RestoreBehavior selects how far Load goes once the stored graph has
// been deserialized.
type RestoreBehavior int

const (
	// RestoreAndTrackChanges loads the graph and reconciles it against a
	// freshly resolved project if the reconciliation inputs say that's
	// necessary.
	RestoreAndTrackChanges RestoreBehavior = iota
	// RestoreOnly returns immediately after deserializing, without ever
	// invoking the resolver.
	RestoreOnly
)

// ProjectIdentity derives the stable project id and build-graph file path
// from a resolved configuration tree. Configuration keys are sorted so
// the derivation does not depend on map iteration order.
func ProjectIdentity(buildRoot string, configuration map[string]string) (projectID, buildGraphFilePath string) {
	keys := make([]string, 0, len(configuration))
	for k := range configuration {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(configuration[k]))
		h.Write([]byte{0})
	}
	projectID = hex.EncodeToString(h.Sum(nil))[:16]
	buildGraphFilePath = buildRoot + "/.build/" + projectID + ".bg"
	return projectID, buildGraphFilePath
}

// ReconciliationInputs carries externally observed facts the caller must
// supply, since they require collaborators (the filesystem, the
// project/module resolver, the process environment) that are out of
// scope for this package.
type ReconciliationInputs struct {
	// ProjectFileOrReferencedFileNewer: any project or referenced file
	// (module, imported script) has an mtime newer than the build graph
	// file itself.
	ProjectFileOrReferencedFileNewer bool
	// EnvironmentChanged: the stored used-environment entries differ from
	// the current environment.
	EnvironmentChanged bool
	// FileExistsResultChanged: a stored File.exists() probe result
	// disagrees with current disk reality.
	FileExistsResultChanged bool
}

// MustReResolve reports whether any reconciliation input forces a
// re-resolve, independent of the per-product wildcard drift Load checks
// separately by comparing resolved source artifact sets.
func (r ReconciliationInputs) MustReResolve() bool {
	return r.ProjectFileOrReferencedFileNewer || r.EnvironmentChanged || r.FileExistsResultChanged
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Graph           *graph.Graph
	Head            pool.HeadBlock
	ReResolved      bool
	RemovedProducts []string
}

// Load deserializes the build graph read from r and fails with a
// configuration error if wantConfig is incompatible with the persisted
// configuration. Otherwise it either returns the graph as-is
// (RestoreOnly) or reconciles it against a fresh resolution
// (RestoreAndTrackChanges) when recon or a per-product source file list
// disagrees with what was persisted.
//
// A format mismatch or truncated stream surfaces as a *pool.FormatError;
// the caller is meant to treat that as a cache miss and force a full
// re-resolve rather than propagating it as fatal.
func Load(ctx context.Context, r io.Reader, behavior RestoreBehavior, wantConfig map[string]string, recon ReconciliationInputs, resolveFresh func() ([]resolve.ProductSpec, error), buildRoot string, fsys fs.FS, engine *script.Engine) (*LoadResult, diag.Diagnostics) {
	var diags diag.Diagnostics

	loaded, err := pool.Load(r)
	if err != nil {
		diags = diags.Append(diag.Wrap(diag.KindConfiguration, err, "loading persisted build graph"))
		return nil, diags
	}

	if !configCompatible(loaded.Head.Configuration, wantConfig) {
		diags = diags.Append(diag.New(diag.KindConfiguration,
			"persisted build graph configuration is incompatible with the requested configuration"))
		return nil, diags
	}

	result := &LoadResult{Graph: loaded.Graph, Head: loaded.Head}

	if behavior == RestoreOnly || resolveFresh == nil {
		return result, diags
	}

	freshSpecs, err := resolveFresh()
	if err != nil {
		diags = diags.Append(diag.Wrap(diag.KindConfiguration, err, "re-resolving project"))
		return nil, diags
	}

	filesChanged := detectFileListDrift(loaded.Graph, freshSpecs, fsys)
	if !recon.MustReResolve() && len(filesChanged) == 0 {
		return result, diags
	}

	reconciled, rdiags := Reconcile(ctx, loaded.Graph, freshSpecs, buildRoot, fsys, engine)
	diags = diags.Append(rdiags)
	if reconciled != nil {
		reconciled.Head = loaded.Head
		reconciled.ReResolved = true
	}
	return reconciled, diags
}

func configCompatible(stored, requested map[string]string) bool {
	if len(stored) != len(requested) {
		return false
	}
	for k, v := range stored {
		if rv, ok := requested[k]; !ok || rv != v {
			return false
		}
	}
	return true
}

// detectFileListDrift compares each restored product's current source
// artifact paths against the wildcard-expanded paths the fresh spec would
// produce, classifying a product as "files-changed" on any mismatch.
func detectFileListDrift(g *graph.Graph, freshSpecs []resolve.ProductSpec, fsys fs.FS) map[string]bool {
	byName := make(map[string]resolve.ProductSpec, len(freshSpecs))
	for _, s := range freshSpecs {
		byName[s.Name] = s
	}

	changed := make(map[string]bool)
	for _, ph := range g.Products() {
		p := g.Product(ph)
		if p == nil {
			continue
		}
		spec, ok := byName[p.Name]
		if !ok {
			continue // handled as a removed product, not a file-list change
		}
		old := make(map[string]bool)
		for _, ah := range p.Artifacts {
			a := g.Artifact(ah)
			if a != nil && a.Kind == model.KindSource {
				old[a.FilePath] = true
			}
		}
		fresh := expandSourcePaths(spec, fsys)
		if len(fresh) != len(old) {
			changed[p.Name] = true
			continue
		}
		for _, f := range fresh {
			if !old[f] {
				changed[p.Name] = true
				break
			}
		}
	}
	return changed
}

// expandSourcePaths returns every path a product spec's source groups
// name, expanding wildcard patterns against fsys when it is non-nil and
// falling back to the literal lists alone otherwise.
func expandSourcePaths(spec resolve.ProductSpec, fsys fs.FS) []string {
	var out []string
	for _, g := range spec.SourceGroups {
		out = append(out, g.Literal...)
		if fsys == nil || len(g.Patterns) == 0 {
			continue
		}
		for _, pattern := range g.Patterns {
			matches, err := fs.Glob(fsys, pattern)
			if err != nil {
				continue
			}
			out = append(out, matches...)
		}
	}
	return out
}

// Reconcile classifies every restored product as removed, structurally
// changed, files-changed, or unchanged against freshSpecs; tears down
// and rebuilds the first two categories via the ordinary resolver path,
// surgically patches the third (OnProductFileListChanged), and finally
// re-runs the cycle detector.
func Reconcile(ctx context.Context, old *graph.Graph, freshSpecs []resolve.ProductSpec, buildRoot string, fsys fs.FS, engine *script.Engine) (*LoadResult, diag.Diagnostics) {
	var diags diag.Diagnostics

	freshByName := make(map[string]resolve.ProductSpec, len(freshSpecs))
	for _, s := range freshSpecs {
		freshByName[s.Name] = s
	}

	oldByName := make(map[string]model.ProductHandle)
	for _, ph := range old.Products() {
		if p := old.Product(ph); p != nil {
			oldByName[p.Name] = ph
		}
	}

	var removed []string
	for name, ph := range oldByName {
		if _, ok := freshByName[name]; !ok {
			removeProduct(old, ph)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	var toRebuild []resolve.ProductSpec
	var toPatch []string
	rescueByPath := make(map[string]rescueInfo)
	for _, spec := range freshSpecs {
		ph, existed := oldByName[spec.Name]
		if !existed {
			toRebuild = append(toRebuild, spec)
			continue
		}
		p := old.Product(ph)
		if structurallyChanged(old, p, spec) {
			snapshotForRescue(old, p, rescueByPath)
			removeProduct(old, ph)
			toRebuild = append(toRebuild, spec)
			continue
		}
		toPatch = append(toPatch, spec.Name)
	}

	if len(toRebuild) > 0 {
		resolver := resolve.New(old, fsys, buildRoot, engine)
		rdiags := resolver.Resolve(ctx, toRebuild)
		diags = diags.Append(rdiags)
		rescuePreviousResults(old, rescueByPath)
	}

	for _, name := range toPatch {
		ph := oldByName[name]
		spec := freshByName[name]
		OnProductFileListChanged(old, ph, spec, fsys)
	}

	if err := old.FindCycles(); err != nil {
		diags = diags.Append(diag.Wrap(diag.KindGraphInvariant, err, "reconciled build graph has a cycle"))
	}

	return &LoadResult{Graph: old, RemovedProducts: removed}, diags
}

// structurallyChanged reports whether a product's rule set, declared
// dependency set, or the property values its prepare scripts read differ
// between the restored and fresh specs, the category of change that
// tears the product's build data down entirely rather than patching it.
func structurallyChanged(g *graph.Graph, old *model.Product, fresh resolve.ProductSpec) bool {
	if len(old.Rules) != len(fresh.Rules) {
		return true
	}
	if len(old.DependsOn) != len(fresh.DependsOn) {
		return true
	}
	for i, rh := range old.Rules {
		oldRule := g.Rule(rh)
		if oldRule == nil || i >= len(fresh.Rules) {
			return true
		}
		if !ruleSignatureEqual(oldRule, fresh.Rules[i]) {
			return true
		}
	}
	return requestedPropertiesChanged(g, old, fresh)
}

// requestedPropertiesChanged replays the property accesses recorded on
// the product's transformers during prepare-script evaluation against
// the fresh spec's property map: any read that would now yield a
// different value means the stored commands were derived from stale
// configuration, so the product must be rebuilt.
func requestedPropertiesChanged(g *graph.Graph, old *model.Product, fresh resolve.ProductSpec) bool {
	for _, ah := range old.Artifacts {
		a := g.Artifact(ah)
		if a == nil || a.Kind != model.KindGenerated {
			continue
		}
		t := g.Transformer(a.Transformer)
		if t == nil {
			continue
		}
		for _, acc := range t.PropertiesFromProduct {
			if !ctyValuesEqual(acc.Value, fresh.Properties.Get(acc.Name)) {
				return true
			}
		}
		// Artifact-local property maps start as clones of the product
		// map, so a read recorded through an output artifact is compared
		// against the fresh product value when the fresh spec defines
		// one; purely artifact-local bindings are re-derived during the
		// rebuild and need no drift check here.
		for _, acc := range t.PropertiesFromArtifact {
			if fresh.Properties != nil && fresh.Properties.Has(acc.Name) &&
				!ctyValuesEqual(acc.Value, fresh.Properties.Get(acc.Name)) {
				return true
			}
		}
	}
	return false
}

func ctyValuesEqual(a, b cty.Value) bool {
	if a == cty.NilVal || b == cty.NilVal {
		return a == cty.NilVal && b == cty.NilVal
	}
	return a.RawEquals(b)
}

func ruleSignatureEqual(a, b *model.Rule) bool {
	return a.Name == b.Name &&
		a.PrepareScriptSource == b.PrepareScriptSource &&
		a.Multiplex == b.Multiplex &&
		a.Kind == b.Kind
}

// removeProduct disconnects every artifact the product owns (triggering
// the exclusive-dependents cascade in *graph.Graph) and marks the
// product disabled so the cleaner and a later lookup treat it as gone.
func removeProduct(g *graph.Graph, ph model.ProductHandle) {
	p := g.Product(ph)
	if p == nil {
		return
	}
	for _, ah := range append([]model.ArtifactHandle(nil), p.Artifacts...) {
		g.RemoveArtifact(ah, graph.RemoveOptions{RemoveFromProduct: true})
	}
	p.Enabled = false
}

// OnProductFileListChanged surgically patches a product whose only
// difference from the fresh spec is its file list: add new source
// artifacts, remove artifacts no longer present (cascading through
// RemoveArtifact's exclusive-dependents removal), and leave everything
// else untouched so unaffected files are not rebuilt. With nothing added
// or removed, both loops below execute zero iterations and the graph is
// unchanged.
func OnProductFileListChanged(g *graph.Graph, ph model.ProductHandle, fresh resolve.ProductSpec, fsys fs.FS) {
	p := g.Product(ph)
	if p == nil {
		return
	}

	freshTags := make(map[string]model.TagSet)
	for _, group := range fresh.SourceGroups {
		for _, path := range expandSourcePaths(resolve.ProductSpec{SourceGroups: []resolve.SourceGroup{group}}, fsys) {
			freshTags[path] = group.Tags
		}
	}

	oldPaths := make(map[string]model.ArtifactHandle)
	for _, ah := range p.Artifacts {
		a := g.Artifact(ah)
		if a != nil && a.Kind == model.KindSource {
			oldPaths[a.FilePath] = ah
		}
	}

	for path, ah := range oldPaths {
		if _, stillPresent := freshTags[path]; !stillPresent {
			g.RemoveArtifact(ah, graph.RemoveOptions{RemoveFromProduct: true})
		}
	}

	for path, tags := range freshTags {
		if _, already := oldPaths[path]; already {
			continue
		}
		art := model.NewArtifact(model.InvalidArtifactHandle, ph, path, model.KindSource)
		if len(tags) > 0 {
			art.FileTags = tags.Clone()
		} else {
			art.FileTags = model.NewTagSet()
		}
		art.Properties = p.Properties
		h, err := g.AddArtifact(art)
		if err != nil {
			continue
		}
		art.Handle = h
		p.Artifacts = append(p.Artifacts, h)
	}
}

// rescueInfo is the snapshot of one generated artifact taken just before
// its product's build data is torn down, so a freshly resolved
// counterpart at the same path can inherit its timestamps when the
// command signatures agree.
type rescueInfo struct {
	timestamp    time.Time
	auxTimestamp time.Time
	commands     []model.Command
}

func snapshotForRescue(g *graph.Graph, p *model.Product, out map[string]rescueInfo) {
	for _, ah := range p.Artifacts {
		a := g.Artifact(ah)
		if a == nil || a.Kind != model.KindGenerated {
			continue
		}
		t := g.Transformer(a.Transformer)
		if t == nil {
			continue
		}
		out[a.FilePath] = rescueInfo{
			timestamp:    a.Timestamp,
			auxTimestamp: a.AuxTimestamp,
			commands:     t.Commands,
		}
	}
}

// rescuePreviousResults walks every generated artifact of the freshly
// rebuilt graph and transfers timestamps from the pre-change snapshot
// when the artifact's transformer produces it with the same command
// signature as before; a changed signature leaves the timestamp zero so
// the executor rebuilds the file.
func rescuePreviousResults(g *graph.Graph, snapshot map[string]rescueInfo) {
	if len(snapshot) == 0 {
		return
	}
	for _, ah := range g.Artifacts() {
		a := g.Artifact(ah)
		if a == nil || a.Kind != model.KindGenerated || !a.Timestamp.IsZero() {
			continue
		}
		info, ok := snapshot[a.FilePath]
		if !ok {
			continue
		}
		t := g.Transformer(a.Transformer)
		if t == nil || !model.CommandListSignature(info.commands, t.Commands) {
			continue
		}
		a.Timestamp = info.timestamp
		a.AuxTimestamp = info.auxTimestamp
	}
}

// RescueTimestamps transfers a generated artifact's timestamp from its
// pre-change incarnation to its freshly resolved counterpart when their
// transformers' command signatures agree; otherwise it invalidates the
// fresh artifact's timestamp so the executor rebuilds it. Callers invoke this
// once per old/fresh artifact pair discovered by matching path after a
// structural rebuild.
func RescueTimestamps(oldTransformer, freshTransformer *model.Transformer, oldArtifact, freshArtifact *model.Artifact) bool {
	if oldTransformer == nil || freshTransformer == nil {
		return false
	}
	if !model.CommandListSignature(oldTransformer.Commands, freshTransformer.Commands) {
		freshArtifact.Timestamp = time.Time{}
		return false
	}
	freshArtifact.Timestamp = oldArtifact.Timestamp
	freshArtifact.AuxTimestamp = oldArtifact.AuxTimestamp
	return true
}
