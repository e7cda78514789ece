// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package resolve_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/resolve"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

const compilePrepare = `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	return []buildgraph.Command{
		{Process: &buildgraph.ProcessCommand{Program: "cc", Args: scope.Inputs, ResponseFileThreshold: -1}},
	}, nil
}
`

func newEngine(t *testing.T) *script.Engine {
	t.Helper()
	engine, err := script.New()
	require.NoError(t, err)
	return engine
}

func compileAndLinkRules() []*model.Rule {
	return []*model.Rule{
		{
			Name:      "link",
			Inputs:    model.NewTagSet("obj"),
			Multiplex: true,
			Artifacts: []model.RuleArtifactTemplate{{
				FileNameExpression: "app",
				Tags:               model.NewTagSet("application"),
				AlwaysUpdated:      true,
			}},
			PrepareScriptSource: compilePrepare,
		},
		{
			Name:   "compile",
			Inputs: model.NewTagSet("c"),
			Artifacts: []model.RuleArtifactTemplate{{
				FileNameExpression: "${input.baseName}.o",
				Tags:               model.NewTagSet("obj"),
				AlwaysUpdated:      true,
			}},
			PrepareScriptSource: compilePrepare,
		},
	}
}

func TestResolveSingleProduct(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	// The link rule is declared before the compile rule; topological rule
	// ordering must still run compile first so link sees the object file.
	spec := resolve.ProductSpec{
		Name: "app",
		SourceGroups: []resolve.SourceGroup{
			{Literal: []string{"/proj/src/main.c"}, Tags: model.NewTagSet("c")},
		},
		Rules:      compileAndLinkRules(),
		OwnTags:    model.NewTagSet("application"),
		Properties: props.New(),
	}

	diags := r.Resolve(context.Background(), []resolve.ProductSpec{spec})
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags.Err())

	buildDir := resolve.BuildDirectory("/proj", "app")
	obj, ok := g.LookupArtifact(model.InvalidProductHandle, buildDir, "main.o")
	require.True(t, ok)
	app, ok := g.LookupArtifact(model.InvalidProductHandle, buildDir, "app")
	require.True(t, ok)

	require.True(t, g.Artifact(app).Children.Has(obj))
	src, ok := g.LookupArtifact(model.InvalidProductHandle, "/proj/src", "main.c")
	require.True(t, ok)
	require.True(t, g.Artifact(obj).Children.Has(src))

	var product *model.Product
	for _, ph := range g.Products() {
		if p := g.Product(ph); p != nil && p.Name == "app" {
			product = p
		}
	}
	require.NotNil(t, product)
	require.Equal(t, []model.ArtifactHandle{app}, product.TargetArtifacts)
}

func TestResolveExpandsWildcardGroups(t *testing.T) {
	fsys := fstest.MapFS{
		"src/a.c":    {Data: []byte("int a;")},
		"src/b.c":    {Data: []byte("int b;")},
		"src/skip.h": {Data: []byte("")},
	}
	g := graph.New()
	r := resolve.New(g, fsys, "/proj", newEngine(t))

	spec := resolve.ProductSpec{
		Name: "lib",
		SourceGroups: []resolve.SourceGroup{
			{Patterns: []string{"src/*.c"}, Tags: model.NewTagSet("c")},
		},
		Properties: props.New(),
	}
	diags := r.Resolve(context.Background(), []resolve.ProductSpec{spec})
	require.False(t, diags.HasErrors())

	_, ok := g.LookupArtifact(model.InvalidProductHandle, "src", "a.c")
	require.True(t, ok)
	_, ok = g.LookupArtifact(model.InvalidProductHandle, "src", "b.c")
	require.True(t, ok)
	_, ok = g.LookupArtifact(model.InvalidProductHandle, "src", "skip.h")
	require.False(t, ok)
}

func TestResolveInsertsProjectFileArtifact(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	spec := resolve.ProductSpec{
		Name:            "app",
		ProjectFilePath: "/proj/app.qbs",
		Properties:      props.New(),
	}
	diags := r.Resolve(context.Background(), []resolve.ProductSpec{spec})
	require.False(t, diags.HasErrors())

	h, ok := g.LookupArtifact(model.InvalidProductHandle, "/proj", "app.qbs")
	require.True(t, ok)
	require.True(t, g.Artifact(h).FileTags.Has("qbs"))
}

func TestResolveFailsOnDisabledDependency(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	specs := []resolve.ProductSpec{
		{Name: "lib", Disabled: true, Properties: props.New()},
		{Name: "app", DependsOn: []string{"lib"}, Properties: props.New()},
	}
	diags := r.Resolve(context.Background(), specs)
	require.True(t, diags.HasErrors())
	require.Contains(t, diags.Err().Error(), "disabled product")
}

func TestResolveRejectsProductDependencyCycle(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	specs := []resolve.ProductSpec{
		{Name: "a", DependsOn: []string{"b"}, Properties: props.New()},
		{Name: "b", DependsOn: []string{"a"}, Properties: props.New()},
	}
	diags := r.Resolve(context.Background(), specs)
	require.True(t, diags.HasErrors())
	require.Contains(t, diags.Err().Error(), "cycle")
}

func TestResolveManualTransformer(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	spec := resolve.ProductSpec{
		Name: "gen",
		SourceGroups: []resolve.SourceGroup{
			{Literal: []string{"/proj/data.txt"}, Tags: model.NewTagSet("txt")},
		},
		ManualTransformers: []resolve.ManualTransformerSpec{{
			Name:       "embed",
			InputPaths: []string{"/proj/data.txt"},
			Outputs: []resolve.ManualOutputSpec{{
				FilePath:      "data.inc",
				Tags:          model.NewTagSet("inc"),
				AlwaysUpdated: true,
			}},
			PrepareScriptSource: compilePrepare,
		}},
		Properties: props.New(),
	}
	diags := r.Resolve(context.Background(), []resolve.ProductSpec{spec})
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags.Err())

	buildDir := resolve.BuildDirectory("/proj", "gen")
	out, ok := g.LookupArtifact(model.InvalidProductHandle, buildDir, "data.inc")
	require.True(t, ok)
	outArt := g.Artifact(out)
	require.Equal(t, model.KindGenerated, outArt.Kind)
	tr := g.Transformer(outArt.Transformer)
	require.NotNil(t, tr)
	require.Len(t, tr.Commands, 1)

	src, ok := g.LookupArtifact(model.InvalidProductHandle, "/proj", "data.txt")
	require.True(t, ok)
	require.True(t, outArt.Children.Has(src))
}

func TestResolveManualTransformerUnknownInputFails(t *testing.T) {
	g := graph.New()
	r := resolve.New(g, nil, "/proj", newEngine(t))

	spec := resolve.ProductSpec{
		Name: "gen",
		ManualTransformers: []resolve.ManualTransformerSpec{{
			Name:                "embed",
			InputPaths:          []string{"/proj/missing.txt"},
			PrepareScriptSource: compilePrepare,
		}},
		Properties: props.New(),
	}
	diags := r.Resolve(context.Background(), []resolve.ProductSpec{spec})
	require.True(t, diags.HasErrors())
	require.Contains(t, diags.Err().Error(), "not found")
}

func TestBuildDirectoryIsDeterministic(t *testing.T) {
	d1 := resolve.BuildDirectory("/proj", "app")
	d2 := resolve.BuildDirectory("/proj", "app")
	d3 := resolve.BuildDirectory("/proj", "lib")
	require.Equal(t, d1, d2)
	require.NotEqual(t, d1, d3)
}
