// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/rules"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

const compilePrepare = `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	args := []string{"-c"}
	args = append(args, scope.Inputs...)
	return []buildgraph.Command{
		{Process: &buildgraph.ProcessCommand{Program: "cc", Args: args, ResponseFileThreshold: -1}},
	}, nil
}
`

const emptyPrepare = `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	return nil, nil
}
`

func setupProduct(t *testing.T) (*graph.Graph, *model.Product, *script.Engine) {
	t.Helper()
	g := graph.New()
	p := &model.Product{Name: "app", Enabled: true, Properties: props.New()}
	g.AddProduct(p)
	engine, err := script.New()
	require.NoError(t, err)
	return g, p, engine
}

func addSource(t *testing.T, g *graph.Graph, p *model.Product, path string, tags ...model.FileTag) model.ArtifactHandle {
	t.Helper()
	a := model.NewArtifact(model.InvalidArtifactHandle, p.Handle, path, model.KindSource)
	a.FileTags = model.NewTagSet(tags...)
	a.Properties = p.Properties
	h, err := g.AddArtifact(a)
	require.NoError(t, err)
	p.Artifacts = append(p.Artifacts, h)
	return h
}

func compileRule(g *graph.Graph, p *model.Product) *model.Rule {
	r := &model.Rule{
		Name:   "compile",
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.baseName}.o",
			Tags:               model.NewTagSet("obj"),
			AlwaysUpdated:      true,
		}},
		PrepareScriptSource: compilePrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))
	return r
}

func TestApplyRuleCreatesTransformerPerInput(t *testing.T) {
	g, p, engine := setupProduct(t)
	src1 := addSource(t, g, p, "/src/a.c", "c")
	src2 := addSource(t, g, p, "/src/b.c", "c")
	compileRule(g, p)

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags.Err())

	aObj, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	bObj, ok := g.LookupArtifact(p.Handle, "/build", "b.o")
	require.True(t, ok)

	require.NotEqual(t, g.Artifact(aObj).Transformer, g.Artifact(bObj).Transformer)
	tr := g.Transformer(g.Artifact(aObj).Transformer)
	require.Len(t, tr.Commands, 1)
	require.Equal(t, "cc", tr.Commands[0].Process.Program)
	require.True(t, tr.Inputs.Has(src1))
	require.True(t, g.Artifact(aObj).Children.Has(src1))
	require.True(t, g.Artifact(bObj).Children.Has(src2))
	require.True(t, g.Artifact(aObj).FileTags.Has("obj"))
}

func TestMultiplexRuleSharesOneTransformer(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")
	addSource(t, g, p, "/src/b.c", "c")
	r := &model.Rule{
		Name:      "link",
		Inputs:    model.NewTagSet("c"),
		Multiplex: true,
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "app",
			Tags:               model.NewTagSet("application"),
			AlwaysUpdated:      true,
		}},
		PrepareScriptSource: compilePrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.False(t, diags.HasErrors())

	app, ok := g.LookupArtifact(p.Handle, "/build", "app")
	require.True(t, ok)
	tr := g.Transformer(g.Artifact(app).Transformer)
	require.Equal(t, 2, tr.Inputs.Len())
	require.Equal(t, 2, g.Artifact(app).Children.Len())
}

func TestApplyRuleTwiceIsIdempotent(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")
	compileRule(g, p)

	applicator := rules.New(g, p.Handle, engine)
	require.False(t, applicator.ApplyAll(context.Background(), p, "/build").HasErrors())

	objBefore, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	commandsBefore := g.Transformer(g.Artifact(objBefore).Transformer).Commands
	artifactCount := len(g.Artifacts())

	applicator2 := rules.New(g, p.Handle, engine)
	require.False(t, applicator2.ApplyAll(context.Background(), p, "/build").HasErrors())

	objAfter, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	require.Equal(t, objBefore, objAfter)
	require.Equal(t, artifactCount, len(g.Artifacts()))
	require.True(t, model.CommandListSignature(commandsBefore,
		g.Transformer(g.Artifact(objAfter).Transformer).Commands))
}

func TestConflictingRulesForSameOutput(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")

	mk := func(name, file string, line int) {
		r := &model.Rule{
			Name:     name,
			Location: model.SourceLocation{File: file, Line: line},
			Inputs:   model.NewTagSet("c"),
			Artifacts: []model.RuleArtifactTemplate{{
				FileNameExpression: "out.o",
				Tags:               model.NewTagSet("obj"),
				AlwaysUpdated:      true,
			}},
			PrepareScriptSource: compilePrepare,
		}
		p.Rules = append(p.Rules, g.AddRule(r))
	}
	mk("first", "/proj/first.rules", 10)
	mk("second", "/proj/second.rules", 20)

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.True(t, diags.HasErrors())
	msg := diags.Err().Error()
	require.Contains(t, msg, "conflicting rules")
	require.Contains(t, msg, "first")
	require.Contains(t, msg, "second")
}

func TestProductionRuleWithoutCommandsFails(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")
	r := &model.Rule{
		Name:   "empty",
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.baseName}.o",
			AlwaysUpdated:      true,
		}},
		PrepareScriptSource: emptyPrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.True(t, diags.HasErrors())
	require.Contains(t, diags.Err().Error(), "without commands")
}

func TestRewireRuleMayProduceNoCommands(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")
	r := &model.Rule{
		Name:   "rewire",
		Kind:   model.RuleKindRewire,
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.baseName}.stamp",
			AlwaysUpdated:      true,
		}},
		PrepareScriptSource: emptyPrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.False(t, diags.HasErrors(), "rewire rules tolerate empty command lists: %v", diags.Err())
}

func TestExplicitlyDependsOnWiresEdges(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")
	hdr := addSource(t, g, p, "/src/version.h", "versionheader")
	r := compileRule(g, p)
	r.ExplicitlyDependsOn = model.NewTagSet("versionheader")

	applicator := rules.New(g, p.Handle, engine)
	require.False(t, applicator.ApplyAll(context.Background(), p, "/build").HasErrors())

	obj, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	require.True(t, g.Artifact(obj).Children.Has(hdr))
}

func TestUsingsPullsDependencyProductTargets(t *testing.T) {
	g, p, engine := setupProduct(t)

	dep := &model.Product{Name: "lib", Enabled: true, Properties: props.New()}
	g.AddProduct(dep)
	libArt := model.NewArtifact(model.InvalidArtifactHandle, dep.Handle, "/build/liblib.a", model.KindGenerated)
	libArt.FileTags = model.NewTagSet("staticlibrary")
	libArt.Properties = dep.Properties
	libH, err := g.AddArtifact(libArt)
	require.NoError(t, err)
	dep.Artifacts = append(dep.Artifacts, libH)
	dep.TargetArtifacts = []model.ArtifactHandle{libH}
	p.DependsOn = append(p.DependsOn, dep.Handle)

	addSource(t, g, p, "/src/a.c", "c")
	r := compileRule(g, p)
	r.Usings = model.NewTagSet("staticlibrary")

	applicator := rules.New(g, p.Handle, engine)
	require.False(t, applicator.ApplyAll(context.Background(), p, "/build").HasErrors())

	obj, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	require.True(t, g.Artifact(obj).Children.Has(libH))
	require.True(t, g.Transformer(g.Artifact(obj).Transformer).Inputs.Has(libH))
}

func TestPropertyBindingsSeeInputVariables(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/archive.tar.gz", "c")

	r := &model.Rule{
		Name:   "compile",
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.completeBaseName}.o",
			Tags:               model.NewTagSet("obj"),
			AlwaysUpdated:      true,
			Bindings: []model.PropertyBinding{
				{
					QualifiedName: "cpp.objectName",
					Expression:    "${input.baseName}",
					Location:      model.SourceLocation{File: "app.qbs", Line: 12},
				},
				{
					QualifiedName: "cpp.sourcePath",
					Expression:    "${input.baseDir}/${input.fileName}",
					Location:      model.SourceLocation{File: "app.qbs", Line: 13},
				},
			},
		}},
		PrepareScriptSource: compilePrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags.Err())

	obj, ok := g.LookupArtifact(p.Handle, "/build", "archive.tar.o")
	require.True(t, ok)
	outArt := g.Artifact(obj)
	require.Equal(t, cty.StringVal("archive"), outArt.Properties.Get("cpp.objectName"))
	require.Equal(t, cty.StringVal("/src/archive.tar.gz"), outArt.Properties.Get("cpp.sourcePath"))

	// The binding lands on a cloned map; the product-wide map stays
	// untouched.
	require.False(t, p.Properties.Has("cpp.objectName"))
}

func TestBindingReferencingUnknownVariableFails(t *testing.T) {
	g, p, engine := setupProduct(t)
	addSource(t, g, p, "/src/a.c", "c")

	r := &model.Rule{
		Name:   "compile",
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.baseName}.o",
			AlwaysUpdated:      true,
			Bindings: []model.PropertyBinding{{
				QualifiedName: "cpp.bogus",
				Expression:    "${input.noSuchThing}",
			}},
		}},
		PrepareScriptSource: compilePrepare,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	diags := applicator.ApplyAll(context.Background(), p, "/build")
	require.True(t, diags.HasErrors())
	require.Contains(t, diags.Err().Error(), "cpp.bogus")
}

func TestPrepareScriptPropertyReadsAreRecorded(t *testing.T) {
	g, p, engine := setupProduct(t)
	p.Properties.Set("cpp.optimization", cty.StringVal("fast"))
	addSource(t, g, p, "/src/a.c", "c")

	r := &model.Rule{
		Name:   "compile",
		Inputs: model.NewTagSet("c"),
		Artifacts: []model.RuleArtifactTemplate{{
			FileNameExpression: "${input.baseName}.o",
			AlwaysUpdated:      true,
		}},
		PrepareScriptSource: `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	opt := scope.Product.Get("cpp.optimization")
	_ = opt
	return []buildgraph.Command{
		{Process: &buildgraph.ProcessCommand{Program: "cc", ResponseFileThreshold: -1}},
	}, nil
}
`,
	}
	p.Rules = append(p.Rules, g.AddRule(r))

	applicator := rules.New(g, p.Handle, engine)
	require.False(t, applicator.ApplyAll(context.Background(), p, "/build").HasErrors())

	obj, ok := g.LookupArtifact(p.Handle, "/build", "a.o")
	require.True(t, ok)
	tr := g.Transformer(g.Artifact(obj).Transformer)
	require.Len(t, tr.PropertiesFromProduct, 1)
	require.Equal(t, "cpp.optimization", tr.PropertiesFromProduct[0].Name)
}
