// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package graph implements the bipartite artifact/transformer DAG:
// arena-backed storage for artifacts, transformers, rules, and products,
// plus the connect/disconnect edge discipline and cycle detection that
// keep the graph consistent.
//
// The overall shape — a handful of parallel slices ("tables") addressed by
// small integer handles, with edges expressed as handle-to-handle
// references rather than pointers — keeps the graph cheap to serialize
// (see internal/pool) and gives it a natural place to hang a
// DebugRepr-style dump for tests and troubleshooting.
package graph

import (
	"fmt"

	"github.com/opentofu-labs/buildgraph/internal/collections"
	"github.com/opentofu-labs/buildgraph/internal/model"
)

// Graph is the full in-memory build graph for one project: every
// artifact, transformer, rule, and product, plus the path lookup table.
type Graph struct {
	artifacts    []*model.Artifact
	transformers []*model.Transformer
	rules        []*model.Rule
	products     []*model.Product

	// lookup maps dirPath -> fileName -> artifact handles. A path maps
	// to more than one handle only when the handles belong to distinct
	// products, and at most one of them may be Generated.
	lookup map[string]map[string][]model.ArtifactHandle

	// pendingReevaluation collects transformers whose input set changed
	// as a side effect of Disconnect/RemoveArtifact and so need their
	// rule re-applied or their implicit dependencies rescanned.
	pendingReevaluation collections.Set[model.TransformerHandle]

	dirty bool
}

// New constructs an empty graph. Handle zero is reserved as "invalid" in
// every table, so each slice starts with one placeholder element.
func New() *Graph {
	return &Graph{
		artifacts:           []*model.Artifact{nil},
		transformers:        []*model.Transformer{nil},
		rules:               []*model.Rule{nil},
		products:            []*model.Product{nil},
		lookup:              make(map[string]map[string][]model.ArtifactHandle),
		pendingReevaluation: collections.NewSet[model.TransformerHandle](),
	}
}

// Dirty reports whether any mutating operation has run since the graph
// was constructed or since ClearDirty was last called.
func (g *Graph) Dirty() bool { return g.dirty }

// ClearDirty resets the dirty flag, typically right after a successful
// persist (component A).
func (g *Graph) ClearDirty() { g.dirty = false }

func (g *Graph) markDirty() { g.dirty = true }

// PendingReevaluation returns (and clears) the set of transformers whose
// input set was altered by Disconnect or RemoveArtifact since the last
// call, so the rules applicator or executor can re-apply their rule or
// rescan their implicit dependencies.
func (g *Graph) PendingReevaluation() []model.TransformerHandle {
	out := make([]model.TransformerHandle, 0, len(g.pendingReevaluation))
	for h := range g.pendingReevaluation {
		out = append(out, h)
	}
	g.pendingReevaluation = collections.NewSet[model.TransformerHandle]()
	return out
}

// AddProduct inserts a new product and returns its handle.
func (g *Graph) AddProduct(p *model.Product) model.ProductHandle {
	h := model.ProductHandle(len(g.products))
	p.Handle = h
	g.products = append(g.products, p)
	g.markDirty()
	return h
}

// Product returns the product for h, or nil if h is invalid.
func (g *Graph) Product(h model.ProductHandle) *model.Product {
	if int(h) <= 0 || int(h) >= len(g.products) {
		return nil
	}
	return g.products[h]
}

// Products returns every product handle in insertion order, skipping the
// reserved zero slot.
func (g *Graph) Products() []model.ProductHandle {
	out := make([]model.ProductHandle, 0, len(g.products)-1)
	for i := 1; i < len(g.products); i++ {
		out = append(out, model.ProductHandle(i))
	}
	return out
}

// AddRule inserts a new rule and returns its handle.
func (g *Graph) AddRule(r *model.Rule) model.RuleHandle {
	h := model.RuleHandle(len(g.rules))
	r.Handle = h
	g.rules = append(g.rules, r)
	g.markDirty()
	return h
}

// Rule returns the rule for h, or nil if h is invalid.
func (g *Graph) Rule(h model.RuleHandle) *model.Rule {
	if int(h) <= 0 || int(h) >= len(g.rules) {
		return nil
	}
	return g.rules[h]
}

// Rules returns every rule handle in insertion order, skipping the
// reserved zero slot.
func (g *Graph) Rules() []model.RuleHandle {
	out := make([]model.RuleHandle, 0, len(g.rules)-1)
	for i := 1; i < len(g.rules); i++ {
		out = append(out, model.RuleHandle(i))
	}
	return out
}

// AddTransformer inserts a new transformer and returns its handle.
func (g *Graph) AddTransformer(t *model.Transformer) model.TransformerHandle {
	h := model.TransformerHandle(len(g.transformers))
	t.Handle = h
	g.transformers = append(g.transformers, t)
	g.markDirty()
	return h
}

// Transformer returns the transformer for h, or nil if h is invalid.
func (g *Graph) Transformer(h model.TransformerHandle) *model.Transformer {
	if int(h) <= 0 || int(h) >= len(g.transformers) {
		return nil
	}
	return g.transformers[h]
}

// Transformers returns every live transformer handle.
func (g *Graph) Transformers() []model.TransformerHandle {
	out := make([]model.TransformerHandle, 0, len(g.transformers)-1)
	for i := 1; i < len(g.transformers); i++ {
		if g.transformers[i] != nil {
			out = append(out, model.TransformerHandle(i))
		}
	}
	return out
}

// AddArtifact inserts a into the graph's arena and lookup table,
// returning an error if doing so would leave two Generated artifacts
// sharing one path.
func (g *Graph) AddArtifact(a *model.Artifact) (model.ArtifactHandle, error) {
	byName := g.lookup[a.DirPath()]
	if byName == nil {
		byName = make(map[string][]model.ArtifactHandle)
		g.lookup[a.DirPath()] = byName
	}
	for _, existing := range byName[a.FileName()] {
		ex := g.artifacts[existing]
		if ex.Kind == model.KindGenerated && a.Kind == model.KindGenerated {
			return model.InvalidArtifactHandle, fmt.Errorf(
				"duplicate generated artifact for path %q", a.FilePath)
		}
	}

	h := model.ArtifactHandle(len(g.artifacts))
	a.Handle = h
	g.artifacts = append(g.artifacts, a)
	byName[a.FileName()] = append(byName[a.FileName()], h)
	g.markDirty()
	return h, nil
}

// Artifact returns the artifact for h, or nil if h is invalid or has been
// removed.
func (g *Graph) Artifact(h model.ArtifactHandle) *model.Artifact {
	if int(h) <= 0 || int(h) >= len(g.artifacts) {
		return nil
	}
	return g.artifacts[h]
}

// Artifacts returns every live artifact handle.
func (g *Graph) Artifacts() []model.ArtifactHandle {
	out := make([]model.ArtifactHandle, 0, len(g.artifacts)-1)
	for i := 1; i < len(g.artifacts); i++ {
		if g.artifacts[i] != nil {
			out = append(out, model.ArtifactHandle(i))
		}
	}
	return out
}

// LookupArtifact finds the artifact at path owned by product, or any
// artifact at that path if product is model.InvalidProductHandle (the
// cross-product check). It returns the first match; callers needing
// every match should use LookupAll.
func (g *Graph) LookupArtifact(product model.ProductHandle, dirPath, fileName string) (model.ArtifactHandle, bool) {
	for _, h := range g.lookup[dirPath][fileName] {
		a := g.artifacts[h]
		if a == nil {
			continue
		}
		if product == model.InvalidProductHandle || a.Product == product {
			return h, true
		}
	}
	return model.InvalidArtifactHandle, false
}

// LookupAll returns every live artifact handle registered at path,
// regardless of owning product.
func (g *Graph) LookupAll(dirPath, fileName string) []model.ArtifactHandle {
	var out []model.ArtifactHandle
	for _, h := range g.lookup[dirPath][fileName] {
		if g.artifacts[h] != nil {
			out = append(out, h)
		}
	}
	return out
}

// Connect adds a DAG edge from parent to child (parent depends on child;
// equivalently child is one of parent's inputs). It enforces that parent
// and child differ and that no duplicate child sharing child's file path
// but a different handle is already present.
func (g *Graph) Connect(parent, child model.ArtifactHandle) error {
	if parent == child {
		return fmt.Errorf("cannot connect artifact %d to itself", parent)
	}
	p := g.Artifact(parent)
	c := g.Artifact(child)
	if p == nil || c == nil {
		return fmt.Errorf("connect: invalid artifact handle")
	}
	for _, existingChild := range p.Children.Ordered() {
		ec := g.Artifact(existingChild)
		if ec != nil && ec.FilePath == c.FilePath && existingChild != child {
			return fmt.Errorf(
				"connect: artifact %q already has a distinct child at path %q", p.FilePath, c.FilePath)
		}
	}
	p.Children.Add(child)
	c.Parents.Add(parent)
	g.markDirty()
	return nil
}

// SafeConnect behaves like Connect but first rejects the edge if a path
// from child to parent already exists, which would otherwise introduce a
// cycle.
func (g *Graph) SafeConnect(parent, child model.ArtifactHandle) error {
	if g.reachable(child, parent) {
		return fmt.Errorf("safeConnect: connecting %d -> %d would introduce a cycle", parent, child)
	}
	return g.Connect(parent, child)
}

func (g *Graph) reachable(from, to model.ArtifactHandle) bool {
	visited := collections.NewSet[model.ArtifactHandle]()
	var stack []model.ArtifactHandle
	stack = append(stack, from)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited.Has(cur) {
			continue
		}
		visited[cur] = struct{}{}
		a := g.Artifact(cur)
		if a == nil {
			continue
		}
		stack = append(stack, a.Children.Ordered()...)
	}
	return false
}

// Disconnect removes the edge from parent to child, symmetrically
// updating both endpoints, dropping the edge from
// ChildrenAddedByScanner, and — if parent is a Generated artifact — also
// removing child from parent's transformer's input set and scheduling
// that transformer for re-evaluation.
func (g *Graph) Disconnect(parent, child model.ArtifactHandle) {
	p := g.Artifact(parent)
	c := g.Artifact(child)
	if p == nil || c == nil {
		return
	}
	p.Children.Remove(child)
	c.Parents.Remove(parent)
	delete(p.ChildrenAddedByScanner, child)
	g.markDirty()

	if p.Kind == model.KindGenerated && p.Transformer != model.InvalidTransformerHandle {
		t := g.Transformer(p.Transformer)
		if t != nil && t.Inputs.Remove(child) {
			g.pendingReevaluation[p.Transformer] = struct{}{}
		}
	}
}

// RemoveOptions controls RemoveArtifact's side effects.
type RemoveOptions struct {
	RemoveFromDisk    bool
	RemoveFromProduct bool
}

// RemoveArtifactResult reports the exclusive-dependents removal cascade
// triggered by removing one
// artifact, along with the set of parent transformers that need
// re-evaluation.
type RemoveArtifactResult struct {
	Removed              []model.ArtifactHandle
	TransformersToRevisit []model.TransformerHandle
}

// RemoveArtifact disconnects a from both directions, removes it from the
// lookup table, and recursively removes any parent left with no children
// or whose transformer's input set becomes empty. It changes only the
// graph: opts.RemoveFromDisk is not acted on, no file is deleted, and the
// result carries handles only, not snapshots of the removed artifacts.
func (g *Graph) RemoveArtifact(a model.ArtifactHandle, opts RemoveOptions) RemoveArtifactResult {
	var result RemoveArtifactResult
	g.removeArtifactRecursive(a, opts, &result)
	return result
}

func (g *Graph) removeArtifactRecursive(a model.ArtifactHandle, opts RemoveOptions, result *RemoveArtifactResult) {
	art := g.Artifact(a)
	if art == nil {
		return
	}

	parents := append([]model.ArtifactHandle(nil), art.Parents.Ordered()...)
	children := append([]model.ArtifactHandle(nil), art.Children.Ordered()...)
	for _, p := range parents {
		g.Disconnect(p, a)
	}
	for _, c := range children {
		g.Disconnect(a, c)
	}

	g.deleteFromLookup(art)
	g.artifacts[a] = nil
	result.Removed = append(result.Removed, a)
	g.markDirty()

	if opts.RemoveFromProduct {
		if prod := g.Product(art.Product); prod != nil {
			prod.Artifacts = removeHandle(prod.Artifacts, a)
		}
	}

	for _, p := range parents {
		pa := g.Artifact(p)
		if pa == nil {
			continue
		}
		if pa.Children.Len() == 0 {
			g.removeArtifactRecursive(p, opts, result)
			continue
		}
		if pa.Kind == model.KindGenerated && pa.Transformer != model.InvalidTransformerHandle {
			t := g.Transformer(pa.Transformer)
			if t != nil && t.Inputs.Len() == 0 {
				g.removeArtifactRecursive(p, opts, result)
				continue
			}
			if t != nil {
				result.TransformersToRevisit = append(result.TransformersToRevisit, pa.Transformer)
			}
		}
	}
}

func (g *Graph) deleteFromLookup(a *model.Artifact) {
	byName := g.lookup[a.DirPath()]
	if byName == nil {
		return
	}
	handles := byName[a.FileName()]
	for i, h := range handles {
		if h == a.Handle {
			byName[a.FileName()] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(byName[a.FileName()]) == 0 {
		delete(byName, a.FileName())
	}
}

func removeHandle(s []model.ArtifactHandle, h model.ArtifactHandle) []model.ArtifactHandle {
	for i, v := range s {
		if v == h {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// AddFileDependency registers (or returns the existing handle for) a
// project-owned FileDependency artifact at path, not attached to any
// product. These are the leaves the scanner introduces for headers and
// other implicit inputs that aren't themselves build products.
func (g *Graph) AddFileDependency(path string) model.ArtifactHandle {
	a := model.NewArtifact(model.InvalidArtifactHandle, model.InvalidProductHandle, path, model.KindFileDependency)
	if h, ok := g.LookupArtifact(model.InvalidProductHandle, a.DirPath(), a.FileName()); ok {
		if existing := g.Artifact(h); existing != nil && existing.Kind == model.KindFileDependency {
			return h
		}
	}
	h, err := g.AddArtifact(a)
	if err != nil {
		// A FileDependency never collides with a Generated artifact at the
		// same path under this check, since AddArtifact only rejects two
		// Generated artifacts sharing a path.
		panic(err)
	}
	return h
}

// CycleError reports a dependency cycle discovered by FindCycles, naming
// the artifacts involved in path order.
type CycleError struct {
	Path []model.ArtifactHandle
}

func (e *CycleError) Error() string {
	msg := "dependency cycle: "
	for i, h := range e.Path {
		if i > 0 {
			msg += " -> "
		}
		msg += fmt.Sprintf("%d", h)
	}
	return msg
}

// FindCycles walks the graph from every product's target artifacts and
// reports the first cycle found, if any. It is meant to run once after
// the resolver and loader reconciliation have both settled, since either
// can introduce or remove edges.
func (g *Graph) FindCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[model.ArtifactHandle]int)
	var stack []model.ArtifactHandle

	var visit func(h model.ArtifactHandle) error
	visit = func(h model.ArtifactHandle) error {
		color[h] = gray
		stack = append(stack, h)
		a := g.Artifact(h)
		if a != nil {
			for _, child := range a.Children.Ordered() {
				switch color[child] {
				case white:
					if err := visit(child); err != nil {
						return err
					}
				case gray:
					cycleStart := 0
					for i, s := range stack {
						if s == child {
							cycleStart = i
							break
						}
					}
					cyclePath := append(append([]model.ArtifactHandle(nil), stack[cycleStart:]...), child)
					return &CycleError{Path: cyclePath}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[h] = black
		return nil
	}

	for _, ph := range g.Products() {
		p := g.Product(ph)
		if p == nil {
			continue
		}
		for _, h := range p.TargetArtifacts {
			if color[h] == white {
				if err := visit(h); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DebugRepr renders a deterministic, human-readable dump of the graph's
// contents: one line per artifact naming its kind, path, and edges, meant
// for test failure output and troubleshooting rather than machine
// consumption.
func (g *Graph) DebugRepr() string {
	out := ""
	for i := 1; i < len(g.artifacts); i++ {
		a := g.artifacts[i]
		if a == nil {
			out += fmt.Sprintf("artifact %d: <removed>\n", i)
			continue
		}
		out += fmt.Sprintf("artifact %d: %s %q product=%d children=%v parents=%v\n",
			a.Handle, a.Kind, a.FilePath, a.Product, a.Children.Ordered(), a.Parents.Ordered())
	}
	for i := 1; i < len(g.transformers); i++ {
		t := g.transformers[i]
		if t == nil {
			continue
		}
		out += fmt.Sprintf("transformer %d: rule=%d inputs=%v outputs=%v\n",
			t.Handle, t.Rule, t.Inputs.Ordered(), t.Outputs.Ordered())
	}
	return out
}
