// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package resolve turns a project's product descriptions into a
// populated build graph: it expands source file wildcard groups, derives
// each product's deterministic build directory, topologically orders
// rule application across dependency products, applies every product's
// rules, and collects the generated artifacts that match a product's own
// tags as its target artifacts.
package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/rules"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

// SourceGroup is one product's declared group of source files: either a
// literal list of paths or a set of doublestar wildcard patterns to
// expand against a filesystem.
type SourceGroup struct {
	Literal  []string
	Patterns []string
	Tags     model.TagSet
}

// ProductSpec is the resolver's input for one product: everything the
// project description declares about it, prior to graph construction.
type ProductSpec struct {
	Name            string
	SourceGroups    []SourceGroup
	Rules           []*model.Rule
	FileTaggers     []model.FileTagger
	DependsOn       []string
	OwnTags         model.TagSet
	Properties      *props.Map
	ProjectBaseName string

	// ProjectFilePath is the product's own project description file,
	// inserted as a qbs-tagged source artifact so any rule keyed on that
	// tag fires against it.
	ProjectFilePath string

	// Disabled marks a product that exists in the project description but
	// should not be built; any other product depending on it fails
	// resolution.
	Disabled bool

	// ManualTransformers declares fixed input/output transformers that
	// bypass the tag-matching rule engine.
	ManualTransformers []ManualTransformerSpec
}

// ManualTransformerSpec is one manually declared transformer: a single
// prepare script invoked against a fixed, named set of input artifacts,
// producing a fixed set of output artifacts.
type ManualTransformerSpec struct {
	Name string

	// InputPaths names existing artifacts belonging to this product by
	// file path; resolution fails if any name cannot be found.
	InputPaths []string

	Outputs []ManualOutputSpec

	PrepareScriptSource   string
	PrepareScriptLocation model.SourceLocation

	// ExplicitlyDependsOn connects every output artifact as a parent of
	// every artifact carrying one of these tags, the same wiring rules
	// apply for a declarative rule's explicitlyDependsOn.
	ExplicitlyDependsOn model.TagSet
}

// ManualOutputSpec is one output artifact a manual transformer produces.
type ManualOutputSpec struct {
	FilePath      string
	Tags          model.TagSet
	AlwaysUpdated bool
}

// Resolver expands a set of product specs into a populated graph.
type Resolver struct {
	g        *graph.Graph
	fsys     fs.FS
	rootDir  string
	engine   *script.Engine
	products map[string]model.ProductHandle
	warnings diag.Diagnostics
}

// New constructs a Resolver. fsys is the filesystem wildcard groups are
// expanded against (an afero adapter in production, an in-memory fstest
// mapfs in tests); rootDir is its logical root, used to derive each
// product's build directory.
func New(g *graph.Graph, fsys fs.FS, rootDir string, engine *script.Engine) *Resolver {
	return &Resolver{
		g:        g,
		fsys:     fsys,
		rootDir:  rootDir,
		engine:   engine,
		products: make(map[string]model.ProductHandle),
	}
}

// BuildDirectory deterministically derives a product's build directory
// from the project root and the product's qualified name, so the same
// project description always resolves to the same on-disk layout across
// machines and re-resolutions.
func BuildDirectory(rootDir, productName string) string {
	sum := sha256.Sum256([]byte(productName))
	return rootDir + "/.build/" + productName + "-" + hex.EncodeToString(sum[:8])
}

// Resolve expands every spec into the graph, in an order such that a
// product's dependencies are fully resolved (rules applied, target
// artifacts collected) before the product itself is resolved, as
// `usings` expansion requires.
func (r *Resolver) Resolve(ctx context.Context, specs []ProductSpec) diag.Diagnostics {
	var diags diag.Diagnostics

	order, err := topoSortProducts(specs)
	if err != nil {
		return diags.Append(diag.Wrap(diag.KindConfiguration, err, "cannot order products for resolution"))
	}

	bySpecName := make(map[string]ProductSpec, len(specs))
	for _, s := range specs {
		bySpecName[s.Name] = s
	}

	for _, name := range order {
		spec := bySpecName[name]
		if err := r.resolveOneProduct(ctx, spec); err != nil {
			diags = diags.Append(err)
		}
	}
	diags = diags.Append(r.warnings)
	r.warnings = nil

	if !diags.HasErrors() {
		if err := r.g.FindCycles(); err != nil {
			diags = diags.Append(diag.Wrap(diag.KindGraphInvariant, err, "resolved build graph has a cycle"))
		}
	}
	return diags
}

func (r *Resolver) resolveOneProduct(ctx context.Context, spec ProductSpec) error {
	product := &model.Product{
		Name:        spec.Name,
		FileTaggers: spec.FileTaggers,
		OwnTags:     spec.OwnTags,
		Enabled:     !spec.Disabled,
		Properties:  spec.Properties,
	}
	for _, depName := range spec.DependsOn {
		depHandle, ok := r.products[depName]
		if !ok {
			return diag.New(diag.KindConfiguration, "product %q depends on unresolved product %q", spec.Name, depName)
		}
		if dep := r.g.Product(depHandle); dep != nil && !dep.Enabled {
			return diag.New(diag.KindConfiguration, "product %q depends on disabled product %q", spec.Name, depName)
		}
		product.DependsOn = append(product.DependsOn, depHandle)
	}

	handle := r.g.AddProduct(product)
	r.products[spec.Name] = handle

	buildDir := BuildDirectory(r.rootDir, spec.Name)

	if spec.ProjectFilePath != "" {
		art := model.NewArtifact(model.InvalidArtifactHandle, handle, spec.ProjectFilePath, model.KindSource)
		art.FileTags = model.NewTagSet(qbsFileTag)
		art.Properties = product.Properties
		h, err := r.g.AddArtifact(art)
		if err != nil {
			return diag.Wrap(diag.KindGraphInvariant, err, "product %q: inserting project file artifact", spec.Name)
		}
		art.Handle = h
		product.Artifacts = append(product.Artifacts, h)
	}

	for _, group := range spec.SourceGroups {
		paths, err := r.expandGroup(group)
		if err != nil {
			return diag.Wrap(diag.KindConfiguration, err, "expanding source group for product %q", spec.Name)
		}
		for _, path := range paths {
			art := model.NewArtifact(model.InvalidArtifactHandle, handle, path, model.KindSource)
			art.FileTags = tagsForPath(product, group, path)
			art.Properties = product.Properties
			h, err := r.g.AddArtifact(art)
			if err != nil {
				return diag.Wrap(diag.KindGraphInvariant, err, "product %q", spec.Name)
			}
			art.Handle = h
			product.Artifacts = append(product.Artifacts, h)
		}
	}

	if err := r.resolveManualTransformers(ctx, product, spec, buildDir); err != nil {
		return err
	}

	for _, rule := range spec.Rules {
		rh := r.g.AddRule(rule)
		product.Rules = append(product.Rules, rh)
	}
	product.Rules = topoSortRules(r.g, product.Rules)

	applicator := rules.New(r.g, handle, r.engine)
	if diags := applicator.ApplyAll(ctx, product, buildDir); diags.HasErrors() {
		return diags.Err()
	}

	for _, h := range product.Artifacts {
		art := r.g.Artifact(h)
		if art == nil || art.Kind != model.KindGenerated {
			continue
		}
		if tagsIntersect(art.FileTags, product.OwnTags) {
			product.TargetArtifacts = append(product.TargetArtifacts, h)
		}
	}

	if len(product.TargetArtifacts) == 0 {
		r.warnings = append(r.warnings, diag.Warn(diag.KindConfiguration,
			"product %q has no target artifacts: no generated artifact's tags intersect its own tags", spec.Name))
	}

	return nil
}

// qbsFileTag is the well-known tag attached to a product's own project
// description file when it is inserted as a source artifact, so any rule
// keyed on it (e.g. to copy or embed project metadata) fires.
const qbsFileTag model.FileTag = "qbs"

// resolveManualTransformers expands the product's declared transformers:
// each one resolves its inputs by name, synthesizes a single-prepare-
// script rule, creates and connects its declared output artifacts, runs
// the prepare script, and wires explicitlyDependsOn before the ordinary
// tag-matching rules run, so their outputs are visible as rule inputs.
func (r *Resolver) resolveManualTransformers(ctx context.Context, product *model.Product, spec ProductSpec, buildDir string) error {
	byPath := make(map[string]model.ArtifactHandle, len(product.Artifacts))
	for _, h := range product.Artifacts {
		if a := r.g.Artifact(h); a != nil {
			byPath[a.FilePath] = h
		}
	}

	for _, mt := range spec.ManualTransformers {
		var inputs []model.ArtifactHandle
		for _, p := range mt.InputPaths {
			h, ok := byPath[p]
			if !ok {
				return diag.New(diag.KindConfiguration,
					"manual transformer %q: input %q not found in product %q", mt.Name, p, spec.Name)
			}
			inputs = append(inputs, h)
		}

		rule := &model.Rule{
			Kind:                  model.RuleKindProduction,
			Name:                  mt.Name,
			Location:              mt.PrepareScriptLocation,
			PrepareScriptSource:   mt.PrepareScriptSource,
			PrepareScriptLocation: mt.PrepareScriptLocation,
			Multiplex:             true,
		}
		rh := r.g.AddRule(rule)

		transformer := model.NewTransformer(model.InvalidTransformerHandle, rh)
		for _, in := range inputs {
			transformer.Inputs.Add(in)
		}
		th := r.g.AddTransformer(transformer)
		transformer.Handle = th

		var outputHandles []model.ArtifactHandle
		for _, out := range mt.Outputs {
			outPath := out.FilePath
			if !strings.HasPrefix(outPath, "/") {
				outPath = buildDir + "/" + outPath
			}
			outArt := model.NewArtifact(model.InvalidArtifactHandle, product.Handle, outPath, model.KindGenerated)
			if len(out.Tags) > 0 {
				outArt.FileTags = out.Tags.Clone()
			} else {
				outArt.FileTags = model.NewTagSet()
			}
			outArt.AlwaysUpdated = out.AlwaysUpdated
			outArt.Properties = productPropertiesOrNew(product)
			outArt.Transformer = th
			h, err := r.g.AddArtifact(outArt)
			if err != nil {
				return diag.Wrap(diag.KindGraphInvariant, err, "manual transformer %q", mt.Name)
			}
			outArt.Handle = h
			product.Artifacts = append(product.Artifacts, h)
			byPath[outPath] = h
			outputHandles = append(outputHandles, h)
			transformer.Outputs.Add(h)

			for _, in := range inputs {
				if err := r.g.Connect(h, in); err != nil {
					return diag.Wrap(diag.KindGraphInvariant, err, "manual transformer %q", mt.Name)
				}
			}
		}

		for _, outHandle := range outputHandles {
			for tag := range mt.ExplicitlyDependsOn {
				for _, h := range product.Artifacts {
					art := r.g.Artifact(h)
					if art == nil || h == outHandle || !art.FileTags.Has(tag) {
						continue
					}
					if err := r.g.Connect(outHandle, h); err != nil {
						return diag.Wrap(diag.KindGraphInvariant, err, "manual transformer %q: explicitlyDependsOn", mt.Name)
					}
				}
			}
		}

		scope := script.Scope{
			Product:  props.NewRecorder(props.AccessFromProduct, productPropertiesOrNew(product)),
			Inputs:   artifactPaths(r.g, transformer.Inputs.Ordered()),
			Outputs:  artifactPaths(r.g, transformer.Outputs.Ordered()),
		}
		commands, err := r.engine.EvalPrepareScript(ctx, mt.PrepareScriptLocation, mt.PrepareScriptSource, scope)
		if err != nil {
			return err
		}
		transformer.Commands = commands
	}
	return nil
}

func productPropertiesOrNew(p *model.Product) *props.Map {
	if p.Properties == nil {
		return props.New()
	}
	return p.Properties
}

func artifactPaths(g *graph.Graph, handles []model.ArtifactHandle) []string {
	paths := make([]string, 0, len(handles))
	for _, h := range handles {
		if a := g.Artifact(h); a != nil {
			paths = append(paths, a.FilePath)
		}
	}
	return paths
}

func tagsForPath(product *model.Product, group SourceGroup, path string) model.TagSet {
	if len(group.Tags) > 0 {
		return group.Tags.Clone()
	}
	for _, tagger := range product.FileTaggers {
		if matchesFileTaggerPattern(tagger.Pattern, path) {
			return tagger.Tags.Clone()
		}
	}
	return model.NewTagSet()
}

func matchesFileTaggerPattern(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

func tagsIntersect(a, b model.TagSet) bool {
	for t := range a {
		if b.Has(t) {
			return true
		}
	}
	return false
}

// expandGroup resolves a source group's literal paths and wildcard
// patterns against the resolver's filesystem, returning a sorted,
// deduplicated path list.
func (r *Resolver) expandGroup(group SourceGroup) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range group.Literal {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, pattern := range group.Patterns {
		matches, err := doublestar.Glob(r.fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid wildcard pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// topoSortProducts orders products so every dependency precedes its
// dependents, erroring out on a dependency cycle between products.
func topoSortProducts(specs []ProductSpec) ([]string, error) {
	bySpec := make(map[string]ProductSpec, len(specs))
	for _, s := range specs {
		bySpec[s.Name] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		spec, ok := bySpec[name]
		if !ok {
			return fmt.Errorf("product %q not found", name)
		}
		for _, dep := range spec.DependsOn {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("dependency cycle between products involving %q and %q", name, dep)
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// topoSortRules orders a product's rules so that a rule producing a tag
// runs before any rule consuming it, matching the declaration order for
// rules with no such relationship.
func topoSortRules(g *graph.Graph, ruleHandles []model.RuleHandle) []model.RuleHandle {
	producesTag := make(map[model.FileTag][]model.RuleHandle)
	for _, rh := range ruleHandles {
		rule := g.Rule(rh)
		if rule == nil {
			continue
		}
		for _, tmpl := range rule.Artifacts {
			for tag := range tmpl.Tags {
				producesTag[tag] = append(producesTag[tag], rh)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[model.RuleHandle]int)
	var order []model.RuleHandle

	var visit func(rh model.RuleHandle)
	visit = func(rh model.RuleHandle) {
		color[rh] = gray
		rule := g.Rule(rh)
		if rule != nil {
			for tag := range rule.Inputs {
				for _, producer := range producesTag[tag] {
					if color[producer] == white {
						visit(producer)
					}
				}
			}
		}
		color[rh] = black
		order = append(order, rh)
	}

	for _, rh := range ruleHandles {
		if color[rh] == white {
			visit(rh)
		}
	}
	return order
}
