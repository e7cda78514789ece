// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package rules applies a product's rules to its tagged artifacts,
// producing transformers: the rule-artifact templates are evaluated to
// build output artifacts, `usings` artifacts from dependency products are
// pulled in as additional inputs, and the rule's prepare script is run to
// produce the transformer's commands.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zclconf/go-cty/cty"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

// Applicator applies rules for one product against one graph.
type Applicator struct {
	g       *graph.Graph
	product model.ProductHandle
	engine  *script.Engine

	// artifactsPerFileTag indexes every live artifact the product owns
	// by file tag, refreshed as rules add outputs so later rules see
	// earlier rules' products.
	artifactsPerFileTag map[model.FileTag][]model.ArtifactHandle
}

// New constructs an Applicator for product within g, using engine to
// evaluate prepare scripts.
func New(g *graph.Graph, product model.ProductHandle, engine *script.Engine) *Applicator {
	a := &Applicator{
		g:                   g,
		product:             product,
		engine:              engine,
		artifactsPerFileTag: make(map[model.FileTag][]model.ArtifactHandle),
	}
	for _, h := range g.Artifacts() {
		art := g.Artifact(h)
		if art != nil && art.Product == product {
			a.index(art)
		}
	}
	return a
}

func (a *Applicator) index(art *model.Artifact) {
	for tag := range art.FileTags {
		a.artifactsPerFileTag[tag] = appendUnique(a.artifactsPerFileTag[tag], art.Handle)
	}
}

func appendUnique(s []model.ArtifactHandle, h model.ArtifactHandle) []model.ArtifactHandle {
	for _, existing := range s {
		if existing == h {
			return s
		}
	}
	return append(s, h)
}

// ApplyAll applies every rule of the product, in the order given (the
// resolver is responsible for topologically sorting them by
// tag-producer/tag-consumer before calling this).
func (a *Applicator) ApplyAll(ctx context.Context, product *model.Product, buildDir string) diag.Diagnostics {
	var diags diag.Diagnostics
	for _, rh := range product.Rules {
		rule := a.g.Rule(rh)
		if rule == nil {
			continue
		}
		if err := a.applyRule(ctx, product, rule, buildDir); err != nil {
			diags = diags.Append(err)
			if rule.Kind != model.RuleKindRewire {
				return diags
			}
		}
	}
	return diags
}

func (a *Applicator) applyRule(ctx context.Context, product *model.Product, rule *model.Rule, buildDir string) error {
	var inputArtifacts []model.ArtifactHandle
	for tag := range rule.Inputs {
		inputArtifacts = append(inputArtifacts, a.artifactsPerFileTag[tag]...)
	}
	inputArtifacts = dedupe(inputArtifacts)

	if len(inputArtifacts) == 0 {
		return nil
	}

	if rule.Multiplex {
		return a.doApply(ctx, product, rule, inputArtifacts, buildDir)
	}
	for _, in := range inputArtifacts {
		if err := a.doApply(ctx, product, rule, []model.ArtifactHandle{in}, buildDir); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(hs []model.ArtifactHandle) []model.ArtifactHandle {
	seen := make(map[model.ArtifactHandle]bool, len(hs))
	out := make([]model.ArtifactHandle, 0, len(hs))
	for _, h := range hs {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// doApply performs one rule firing: it
// resolves `usings` artifacts, builds the output artifacts from the
// rule's templates, wires every edge, and finally evaluates the prepare
// script to obtain the transformer's commands.
func (a *Applicator) doApply(ctx context.Context, product *model.Product, rule *model.Rule, inputArtifacts []model.ArtifactHandle, buildDir string) error {
	var usingArtifacts []model.ArtifactHandle
	if len(rule.Usings) > 0 {
		for _, depHandle := range product.DependsOn {
			dep := a.g.Product(depHandle)
			if dep == nil {
				continue
			}
			for _, target := range dep.TargetArtifacts {
				art := a.g.Artifact(target)
				if art == nil {
					continue
				}
				if tagsIntersect(art.FileTags, rule.Usings) {
					usingArtifacts = appendUnique(usingArtifacts, target)
				}
			}
		}
	}

	var transformer *model.Transformer
	var outputs []model.ArtifactHandle
	type binding struct {
		artifact model.ArtifactHandle
		template *model.RuleArtifactTemplate
	}
	var bindings []binding

	for i := range rule.Artifacts {
		tmpl := &rule.Artifacts[i]
		outArt, tf, err := a.createOutputArtifact(product, rule, tmpl, inputArtifacts, transformer, buildDir)
		if err != nil {
			return err
		}
		transformer = tf
		outputs = append(outputs, outArt.Handle)
		bindings = append(bindings, binding{artifact: outArt.Handle, template: tmpl})
	}

	if transformer == nil {
		if rule.Kind == model.RuleKindRewire {
			return nil
		}
		return diag.New(diag.KindRuleEvaluation, "rule %s has no artifact templates", rule.Name).
			At(diag.SourceLocation(rule.Location))
	}

	if rule.Kind != model.RuleKindRewire {
		hasFreshnessAnchor := false
		for _, outHandle := range outputs {
			if out := a.g.Artifact(outHandle); out != nil && out.AlwaysUpdated {
				hasFreshnessAnchor = true
				break
			}
		}
		if !hasFreshnessAnchor {
			return diag.New(diag.KindGraphInvariant,
				"rule %s produces no always-updated output; nothing would define the transformer's freshness", rule.Name).
				At(diag.SourceLocation(rule.Location))
		}
	}

	for _, outHandle := range outputs {
		outArt := a.g.Artifact(outHandle)
		a.index(outArt)

		for tag := range rule.ExplicitlyDependsOn {
			for _, dep := range a.artifactsPerFileTag[tag] {
				if err := a.g.Connect(outHandle, dep); err != nil {
					return diag.Wrap(diag.KindGraphInvariant, err, "rule %s: explicitlyDependsOn", rule.Name)
				}
			}
		}
		for _, dep := range usingArtifacts {
			if err := a.g.Connect(outHandle, dep); err != nil {
				return diag.Wrap(diag.KindGraphInvariant, err, "rule %s: usings", rule.Name)
			}
			transformer.Inputs.Add(dep)
		}
	}

	for _, b := range bindings {
		if len(b.template.Bindings) == 0 {
			continue
		}
		outArt := a.g.Artifact(b.artifact)
		outArt.Properties = outArt.Properties.Clone()
		if err := a.applyBindings(outArt, b.template, inputArtifacts); err != nil {
			return err
		}
	}

	if rule.PrepareScriptSource == "" {
		if rule.Kind != model.RuleKindRewire {
			return diag.New(diag.KindRuleEvaluation, "rule %s has no prepare script and yields no commands", rule.Name).
				At(diag.SourceLocation(rule.Location))
		}
		return nil
	}

	productRecorder := props.NewRecorder(props.AccessFromProduct, productProperties(product))
	var artifactRecorder *props.Recorder
	if len(outputs) > 0 {
		if out0 := a.g.Artifact(outputs[0]); out0 != nil {
			artifactRecorder = props.NewRecorder(props.AccessFromArtifact, out0.Properties)
		}
	}

	scope := script.Scope{
		Product:  productRecorder,
		Artifact: artifactRecorder,
		Inputs:   artifactPaths(a.g, transformer.Inputs.Ordered()),
		Outputs:  artifactPaths(a.g, transformer.Outputs.Ordered()),
	}
	commands, err := a.engine.EvalPrepareScript(ctx, rule.PrepareScriptLocation, rule.PrepareScriptSource, scope)
	if err != nil {
		return err
	}
	if len(commands) == 0 && rule.Kind != model.RuleKindRewire {
		return diag.New(diag.KindRuleEvaluation, "there's a rule without commands: %s", rule.Name).
			At(diag.SourceLocation(rule.PrepareScriptLocation))
	}
	transformer.Commands = commands
	transformer.PropertiesFromProduct = productRecorder.Accesses()
	if artifactRecorder != nil {
		transformer.PropertiesFromArtifact = artifactRecorder.Accesses()
	}
	return nil
}

// productProperties returns the product-wide property map prepare
// scripts read from, or an empty map if the resolver never set one.
func productProperties(p *model.Product) *props.Map {
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

func tagsIntersect(a, b model.TagSet) bool {
	for t := range a {
		if b.Has(t) {
			return true
		}
	}
	return false
}

// createOutputArtifact evaluates a rule-artifact template's file name
// expression, finds or creates the output artifact at that path, and
// attaches it to the (possibly newly created) transformer.
func (a *Applicator) createOutputArtifact(product *model.Product, rule *model.Rule, tmpl *model.RuleArtifactTemplate, inputArtifacts []model.ArtifactHandle, transformer *model.Transformer, buildDir string) (*model.Artifact, *model.Transformer, error) {
	outputPath, err := a.evalFileNameExpression(tmpl.FileNameExpression, inputArtifacts)
	if err != nil {
		return nil, nil, diag.Wrap(diag.KindRuleEvaluation, err, "rule %s: error in Rule.Artifact fileName", rule.Name)
	}
	outputPath = sanitizeOutputPath(outputPath)
	outputPath = resolveUnderBuildDir(buildDir, outputPath)

	existingHandle, found := a.g.LookupArtifact(product.Handle, dirOf(outputPath), fileOf(outputPath))
	var outArt *model.Artifact

	if found {
		outArt = a.g.Artifact(existingHandle)
		if outArt.Transformer != model.InvalidTransformerHandle {
			existingTransformer := a.g.Transformer(outArt.Transformer)
			if existingTransformer != nil && existingTransformer != transformer {
				if existingTransformer.Rule != rule.Handle && !rule.Multiplex {
					otherLoc := "unknown location"
					if otherRule := a.g.Rule(existingTransformer.Rule); otherRule != nil {
						otherLoc = fmt.Sprintf("%s (%s)", otherRule.Name, diag.SourceLocation(otherRule.Location))
					}
					return nil, nil, diag.New(diag.KindRuleEvaluation,
						"conflicting rules for producing %q: %s and rule %s", outputPath, otherLoc, rule.Name).
						At(diag.SourceLocation(rule.Location))
				}
				for _, in := range inputArtifacts {
					existingTransformer.Inputs.Add(in)
				}
				transformer = existingTransformer
			}
		}
		for tag := range tmpl.Tags {
			outArt.FileTags[tag] = struct{}{}
		}
	} else {
		outArt = model.NewArtifact(model.InvalidArtifactHandle, product.Handle, outputPath, model.KindGenerated)
		outArt.FileTags = model.NewTagSet()
		for tag := range tmpl.Tags {
			outArt.FileTags[tag] = struct{}{}
		}
		outArt.AlwaysUpdated = tmpl.AlwaysUpdated
		outArt.Properties = props.New()
		h, err := a.g.AddArtifact(outArt)
		if err != nil {
			return nil, nil, diag.Wrap(diag.KindGraphInvariant, err, "rule %s", rule.Name)
		}
		outArt.Handle = h
		product.Artifacts = append(product.Artifacts, h)
	}

	if len(outArt.FileTags) == 0 {
		outArt.FileTags = matchFileTaggers(product, outArt.FileName())
	}

	for _, inHandle := range inputArtifacts {
		if inHandle == outArt.Handle {
			return nil, nil, diag.New(diag.KindGraphInvariant, "rule %s: output artifact equals input artifact", rule.Name)
		}
		if err := a.g.Connect(outArt.Handle, inHandle); err != nil {
			return nil, nil, diag.Wrap(diag.KindGraphInvariant, err, "rule %s", rule.Name)
		}
	}

	if transformer == nil {
		transformer = model.NewTransformer(model.InvalidTransformerHandle, rule.Handle)
		for _, in := range inputArtifacts {
			transformer.Inputs.Add(in)
		}
		th := a.g.AddTransformer(transformer)
		transformer.Handle = th
	}
	outArt.Transformer = transformer.Handle
	transformer.Outputs.Add(outArt.Handle)

	return outArt, transformer, nil
}

func matchFileTaggers(product *model.Product, fileName string) model.TagSet {
	for _, tagger := range product.FileTaggers {
		if ok, err := doublestar.Match(tagger.Pattern, fileName); err == nil && ok {
			return tagger.Tags.Clone()
		}
	}
	return model.NewTagSet()
}

func sanitizeOutputPath(path string) string {
	// An output artifact must stay inside its build directory, so any
	// ".." the file name expression produced is defanged rather than
	// honored.
	return strings.ReplaceAll(path, "..", "dotdot")
}

func resolveUnderBuildDir(buildDir, path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return buildDir + "/" + path
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func fileOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// templateVars derives the per-input expression variables from the first
// input artifact, or nil for a rule with no inputs. Rule-artifact
// fileName expressions and property bindings share this scope, exposing
// fileName, baseName, completeBaseName, baseDir, and filePath of the
// input, the common case for one-input-to-one-output rules.
func templateVars(inputArtifacts []model.ArtifactHandle, g *graph.Graph) map[string]string {
	if len(inputArtifacts) == 0 {
		return nil
	}
	in := g.Artifact(inputArtifacts[0])
	if in == nil {
		return nil
	}
	return script.TemplateVars(in.FilePath)
}

func (a *Applicator) evalFileNameExpression(expr string, inputArtifacts []model.ArtifactHandle) (string, error) {
	return a.engine.EvalTemplateExpression(expr, templateVars(inputArtifacts, a.g))
}

func (a *Applicator) applyBindings(outArt *model.Artifact, tmpl *model.RuleArtifactTemplate, inputArtifacts []model.ArtifactHandle) error {
	for _, b := range tmpl.Bindings {
		v, err := a.evalFileNameExpression(b.Expression, inputArtifacts)
		if err != nil {
			return diag.Wrap(diag.KindRuleEvaluation, err, "evaluating rule binding %q", b.QualifiedName).
				At(diag.SourceLocation(b.Location))
		}
		outArt.Properties.Set(b.QualifiedName, cty.StringVal(v))
	}
	return nil
}
