// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/resolve"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

func TestProjectIdentityStableAcrossKeyOrder(t *testing.T) {
	id1, path1 := ProjectIdentity("/proj", map[string]string{"profile": "release", "arch": "amd64"})
	id2, path2 := ProjectIdentity("/proj", map[string]string{"arch": "amd64", "profile": "release"})
	require.Equal(t, id1, id2)
	require.Equal(t, path1, path2)
}

func TestProjectIdentityDiffersOnConfigChange(t *testing.T) {
	id1, _ := ProjectIdentity("/proj", map[string]string{"profile": "release"})
	id2, _ := ProjectIdentity("/proj", map[string]string{"profile": "debug"})
	require.NotEqual(t, id1, id2)
}

func newSourceProduct(t *testing.T, g *graph.Graph, name string, paths ...string) model.ProductHandle {
	t.Helper()
	p := &model.Product{Name: name, Enabled: true, Properties: props.New()}
	ph := g.AddProduct(p)
	for _, path := range paths {
		a := model.NewArtifact(model.InvalidArtifactHandle, ph, path, model.KindSource)
		a.Properties = p.Properties
		h, err := g.AddArtifact(a)
		require.NoError(t, err)
		a.Handle = h
		p.Artifacts = append(p.Artifacts, h)
	}
	return ph
}

func TestOnProductFileListChangedAddsAndRemoves(t *testing.T) {
	g := graph.New()
	ph := newSourceProduct(t, g, "lib", "/src/a.cpp", "/src/b.cpp")

	fresh := resolve.ProductSpec{
		Name: "lib",
		SourceGroups: []resolve.SourceGroup{
			{Literal: []string{"/src/a.cpp", "/src/c.cpp"}},
		},
	}
	OnProductFileListChanged(g, ph, fresh, nil)

	p := g.Product(ph)
	var paths []string
	for _, ah := range p.Artifacts {
		if a := g.Artifact(ah); a != nil {
			paths = append(paths, a.FilePath)
		}
	}
	require.ElementsMatch(t, []string{"/src/a.cpp", "/src/c.cpp"}, paths)
}

func TestOnProductFileListChangedNoopWhenUnchanged(t *testing.T) {
	g := graph.New()
	ph := newSourceProduct(t, g, "lib", "/src/a.cpp", "/src/b.cpp")
	before := append([]model.ArtifactHandle(nil), g.Product(ph).Artifacts...)

	fresh := resolve.ProductSpec{
		Name: "lib",
		SourceGroups: []resolve.SourceGroup{
			{Literal: []string{"/src/a.cpp", "/src/b.cpp"}},
		},
	}
	OnProductFileListChanged(g, ph, fresh, nil)

	require.Equal(t, before, g.Product(ph).Artifacts)
}

func TestStructurallyChangedDetectsRuleCountDifference(t *testing.T) {
	g := graph.New()
	old := &model.Product{Name: "lib"}
	rh := g.AddRule(&model.Rule{Name: "compile"})
	old.Rules = []model.RuleHandle{rh}

	fresh := resolve.ProductSpec{Name: "lib"}
	require.True(t, structurallyChanged(g, old, fresh))
}

func TestStructurallyChangedDetectsRequestedPropertyDrift(t *testing.T) {
	g := graph.New()
	p := &model.Product{Name: "lib", Enabled: true, Properties: props.New()}
	ph := g.AddProduct(p)

	obj := model.NewArtifact(model.InvalidArtifactHandle, ph, "/build/a.o", model.KindGenerated)
	obj.Properties = props.New()
	objH, err := g.AddArtifact(obj)
	require.NoError(t, err)
	p.Artifacts = append(p.Artifacts, objH)

	tr := model.NewTransformer(model.InvalidTransformerHandle, model.InvalidRuleHandle)
	tr.Outputs.Add(objH)
	tr.PropertiesFromProduct = []props.Access{{
		Kind:  props.AccessFromProduct,
		Name:  "cpp.optimization",
		Value: cty.StringVal("fast"),
	}}
	obj.Transformer = g.AddTransformer(tr)

	sameProps := props.New()
	sameProps.Set("cpp.optimization", cty.StringVal("fast"))
	require.False(t, structurallyChanged(g, p, resolve.ProductSpec{Name: "lib", Properties: sameProps}))

	changedProps := props.New()
	changedProps.Set("cpp.optimization", cty.StringVal("small"))
	require.True(t, structurallyChanged(g, p, resolve.ProductSpec{Name: "lib", Properties: changedProps}))

	// A property the script read that the fresh configuration no longer
	// defines at all is also drift.
	require.True(t, structurallyChanged(g, p, resolve.ProductSpec{Name: "lib", Properties: props.New()}))
}

func TestStructurallyChangedFalseWhenRulesMatch(t *testing.T) {
	g := graph.New()
	old := &model.Product{Name: "lib"}
	rh := g.AddRule(&model.Rule{Name: "compile", Multiplex: true})
	old.Rules = []model.RuleHandle{rh}

	fresh := resolve.ProductSpec{
		Name:  "lib",
		Rules: []*model.Rule{{Name: "compile", Multiplex: true}},
	}
	require.False(t, structurallyChanged(g, old, fresh))
}

func TestRescueTimestampsTransfersOnMatchingSignature(t *testing.T) {
	cmd := []model.Command{{Process: &model.ProcessCommand{Program: "cc", Args: []string{"-c"}}}}
	oldT := &model.Transformer{Commands: cmd}
	freshT := &model.Transformer{Commands: cmd}

	ts := time.Now()
	oldArt := &model.Artifact{Timestamp: ts}
	freshArt := &model.Artifact{}

	rescued := RescueTimestamps(oldT, freshT, oldArt, freshArt)
	require.True(t, rescued)
	require.Equal(t, ts, freshArt.Timestamp)
}

func TestRescueTimestampsInvalidatesOnSignatureMismatch(t *testing.T) {
	oldT := &model.Transformer{Commands: []model.Command{{Process: &model.ProcessCommand{Program: "cc"}}}}
	freshT := &model.Transformer{Commands: []model.Command{{Process: &model.ProcessCommand{Program: "clang"}}}}

	oldArt := &model.Artifact{Timestamp: time.Now()}
	freshArt := &model.Artifact{Timestamp: time.Now()}

	rescued := RescueTimestamps(oldT, freshT, oldArt, freshArt)
	require.False(t, rescued)
	require.True(t, freshArt.Timestamp.IsZero())
}

const rescuePrepare = `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	return []buildgraph.Command{
		{Process: &buildgraph.ProcessCommand{Program: "cc", Args: scope.Inputs, ResponseFileThreshold: -1}},
	}, nil
}
`

func TestReconcileRescuesTimestampsAcrossRebuild(t *testing.T) {
	g := graph.New()
	p := &model.Product{Name: "lib", Enabled: true, Properties: props.New()}
	ph := g.AddProduct(p)

	oldRule := &model.Rule{Name: "compile", Inputs: model.NewTagSet("c"), PrepareScriptSource: rescuePrepare}
	p.Rules = []model.RuleHandle{g.AddRule(oldRule)}

	src := model.NewArtifact(model.InvalidArtifactHandle, ph, "/src/a.c", model.KindSource)
	src.FileTags = model.NewTagSet("c")
	src.Properties = p.Properties
	srcH, err := g.AddArtifact(src)
	require.NoError(t, err)
	p.Artifacts = append(p.Artifacts, srcH)

	buildDir := resolve.BuildDirectory("/proj", "lib")
	obj := model.NewArtifact(model.InvalidArtifactHandle, ph, buildDir+"/a.o", model.KindGenerated)
	obj.Properties = props.New()
	built := time.Now().Add(-time.Hour).Truncate(time.Second)
	obj.Timestamp = built
	objH, err := g.AddArtifact(obj)
	require.NoError(t, err)
	p.Artifacts = append(p.Artifacts, objH)

	tr := model.NewTransformer(model.InvalidTransformerHandle, p.Rules[0])
	tr.Inputs.Add(srcH)
	tr.Outputs.Add(objH)
	tr.Commands = []model.Command{{Process: &model.ProcessCommand{
		Program: "cc", Args: []string{"/src/a.c"}, ResponseFileThreshold: -1,
	}}}
	obj.Transformer = g.AddTransformer(tr)
	require.NoError(t, g.Connect(objH, srcH))

	engine, err := script.New()
	require.NoError(t, err)

	// The fresh spec carries one extra rule, which tears the product down
	// and rebuilds it; the compile rule's command signature is unchanged,
	// so the object file's timestamp must survive the rebuild.
	freshRules := []*model.Rule{
		{
			Name:   "compile",
			Inputs: model.NewTagSet("c"),
			Artifacts: []model.RuleArtifactTemplate{{
				FileNameExpression: "${input.baseName}.o",
				Tags:               model.NewTagSet("obj"),
				AlwaysUpdated:      true,
			}},
			PrepareScriptSource: rescuePrepare,
		},
		{
			Name:                "assemble",
			Inputs:              model.NewTagSet("asm"),
			PrepareScriptSource: rescuePrepare,
		},
	}

	_, diags := Reconcile(context.Background(), g, []resolve.ProductSpec{{
		Name:       "lib",
		Properties: props.New(),
		SourceGroups: []resolve.SourceGroup{
			{Literal: []string{"/src/a.c"}, Tags: model.NewTagSet("c")},
		},
		Rules: freshRules,
	}}, "/proj", nil, engine)
	require.Empty(t, diags.Errs())

	freshObj, ok := g.LookupArtifact(model.InvalidProductHandle, buildDir, "a.o")
	require.True(t, ok)
	require.Equal(t, built, g.Artifact(freshObj).Timestamp)
}

func TestReconcileRemovesProductDroppedFromFreshSpecs(t *testing.T) {
	g := graph.New()
	newSourceProduct(t, g, "gone", "/src/gone.cpp")
	newSourceProduct(t, g, "kept", "/src/kept.cpp")

	engine, err := script.New()
	require.NoError(t, err)

	result, diags := Reconcile(context.Background(), g, []resolve.ProductSpec{
		{Name: "kept", SourceGroups: []resolve.SourceGroup{{Literal: []string{"/src/kept.cpp"}}}},
	}, "/proj", nil, engine)
	require.Empty(t, diags.Errs())
	require.Equal(t, []string{"gone"}, result.RemovedProducts)

	for _, ph := range g.Products() {
		p := g.Product(ph)
		if p.Name == "gone" {
			require.False(t, p.Enabled)
			require.Empty(t, p.Artifacts)
		}
	}
}

func TestReconcileRebuildsNewProduct(t *testing.T) {
	g := graph.New()

	engine, err := script.New()
	require.NoError(t, err)

	result, diags := Reconcile(context.Background(), g, []resolve.ProductSpec{
		{
			Name:       "newlib",
			OwnTags:    model.NewTagSet("lib"),
			Properties: props.New(),
			SourceGroups: []resolve.SourceGroup{
				{Literal: []string{"/src/new.cpp"}},
			},
		},
	}, "/proj", nil, engine)
	require.Empty(t, diags.Errs())
	require.Empty(t, result.RemovedProducts)

	var found bool
	for _, ph := range g.Products() {
		p := g.Product(ph)
		if p.Name == "newlib" {
			found = true
			require.Len(t, p.Artifacts, 1)
			require.Equal(t, "/src/new.cpp", g.Artifact(p.Artifacts[0]).FilePath)
		}
	}
	require.True(t, found)
}
