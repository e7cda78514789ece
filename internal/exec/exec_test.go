// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package exec_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opentofu-labs/buildgraph/internal/exec"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
	"github.com/opentofu-labs/buildgraph/internal/scancache"
	"github.com/opentofu-labs/buildgraph/internal/scanner"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

const okScript = `
func Run(properties map[string]string) error {
	return nil
}
`

const failScript = `
import "errors"

func Run(properties map[string]string) error {
	return errors.New("boom")
}
`

func scriptCommand(source string) model.Command {
	return model.Command{Script: &model.ScriptCommand{Source: source}}
}

// fixture is a one-product src -> obj -> app graph with script commands,
// the shape of scenario "single source, single rule".
type fixture struct {
	g    *graph.Graph
	fs   fsutil.FS
	ph   model.ProductHandle
	src  model.ArtifactHandle
	obj  model.ArtifactHandle
	app  model.ArtifactHandle
	exec *exec.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := graph.New()
	fs := fsutil.NewMem()

	p := &model.Product{Name: "app", Enabled: true, Properties: props.New()}
	ph := g.AddProduct(p)

	add := func(path string, kind model.ArtifactKind) model.ArtifactHandle {
		a := model.NewArtifact(model.InvalidArtifactHandle, ph, path, kind)
		a.Properties = props.New()
		h, err := g.AddArtifact(a)
		require.NoError(t, err)
		p.Artifacts = append(p.Artifacts, h)
		return h
	}

	src := add("/src/main.c", model.KindSource)
	obj := add("/build/main.o", model.KindGenerated)
	app := add("/build/app", model.KindGenerated)

	require.NoError(t, fs.MkdirAllForFile("/src/main.c"))
	require.NoError(t, fs.WriteFile("/src/main.c", []byte("int main() {}"), 0o644))

	mkTransformer := func(out, in model.ArtifactHandle, cmd model.Command) {
		tr := model.NewTransformer(model.InvalidTransformerHandle, model.InvalidRuleHandle)
		tr.Inputs.Add(in)
		tr.Outputs.Add(out)
		tr.Commands = []model.Command{cmd}
		g.Artifact(out).Transformer = g.AddTransformer(tr)
		require.NoError(t, g.Connect(out, in))
	}
	mkTransformer(obj, src, scriptCommand(okScript))
	mkTransformer(app, obj, scriptCommand(okScript))

	p.TargetArtifacts = []model.ArtifactHandle{app}

	engine, err := script.New()
	require.NoError(t, err)
	cache := scancache.New()
	sc := scanner.New(g, cache, fs, nil)
	return &fixture{
		g: g, fs: fs, ph: ph, src: src, obj: obj, app: app,
		exec: exec.New(g, fs, cache, sc, engine),
	}
}

func TestBuildRunsTransformersBottomUp(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
	require.Equal(t, model.Built, f.g.Artifact(f.obj).BuildState)
	require.Equal(t, model.Built, f.g.Artifact(f.app).BuildState)
	require.False(t, f.g.Artifact(f.obj).Timestamp.IsZero())
	require.Equal(t, exec.Idle, f.exec.State())
}

func TestNoopRebuildRunsNoCommands(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)
	require.Empty(t, res.Commands)
	require.Equal(t, model.Built, f.g.Artifact(f.app).BuildState)
}

func TestTouchedSourceRebuildsDependentChain(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)

	// Move the source's mtime past the outputs' timestamps.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, f.fs.Chtimes("/src/main.c", future, future))

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
}

func TestCommandFailureFailsBuild(t *testing.T) {
	f := newFixture(t)
	tr := f.g.Transformer(f.g.Artifact(f.obj).Transformer)
	tr.Commands = []model.Command{scriptCommand(failScript)}

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.Error(t, err)
	require.NotEmpty(t, res.Failed)
	require.NotEqual(t, model.Built, f.g.Artifact(f.obj).BuildState)
	require.Equal(t, exec.Idle, f.exec.State())
}

func TestKeepGoingBuildsUnrelatedWork(t *testing.T) {
	f := newFixture(t)

	// Second, independent product whose only transformer fails.
	p2 := &model.Product{Name: "broken", Enabled: true, Properties: props.New()}
	ph2 := f.g.AddProduct(p2)
	src2 := model.NewArtifact(model.InvalidArtifactHandle, ph2, "/src/other.c", model.KindSource)
	src2.Properties = props.New()
	srcH, err := f.g.AddArtifact(src2)
	require.NoError(t, err)
	out2 := model.NewArtifact(model.InvalidArtifactHandle, ph2, "/build/other.o", model.KindGenerated)
	out2.Properties = props.New()
	outH, err := f.g.AddArtifact(out2)
	require.NoError(t, err)
	p2.Artifacts = []model.ArtifactHandle{srcH, outH}
	tr := model.NewTransformer(model.InvalidTransformerHandle, model.InvalidRuleHandle)
	tr.Inputs.Add(srcH)
	tr.Outputs.Add(outH)
	tr.Commands = []model.Command{scriptCommand(failScript)}
	f.g.Artifact(outH).Transformer = f.g.AddTransformer(tr)
	require.NoError(t, f.g.Connect(outH, srcH))
	p2.TargetArtifacts = []model.ArtifactHandle{outH}
	require.NoError(t, f.fs.WriteFile("/src/other.c", []byte("x"), 0o644))

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1, KeepGoing: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
	require.Equal(t, model.Built, f.g.Artifact(f.app).BuildState)
	require.Len(t, res.Failed, 1)
}

func TestExcludedTagsFinalizeWithoutBuilding(t *testing.T) {
	f := newFixture(t)
	f.g.Artifact(f.obj).FileTags = model.NewTagSet("obj")
	f.g.Artifact(f.app).FileTags = model.NewTagSet("application")

	res, err := f.exec.Build(context.Background(), exec.Options{
		Parallelism:  1,
		ExcludedTags: model.NewTagSet("obj", "application"),
	})
	require.NoError(t, err)
	require.Empty(t, res.Commands)
}

func TestFileDependencyStalenessForcesRebuild(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)

	// A header the scanner once attached, now newer than the object file.
	fd := f.g.AddFileDependency("/src/foo.h")
	f.g.Artifact(f.obj).FileDependencies[fd] = struct{}{}
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, f.fs.WriteFile("/src/foo.h", []byte("#define X"), 0o644))
	require.NoError(t, f.fs.Chtimes("/src/foo.h", future, future))

	res, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
}

func TestCanceledContextStopsDispatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.exec.Build(ctx, exec.Options{Parallelism: 1})
	require.Error(t, err)
	require.Equal(t, exec.Idle, f.exec.State())
}

func TestChangedFilesRestrictLeafSet(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Build(context.Background(), exec.Options{Parallelism: 1})
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, f.fs.Chtimes("/src/main.c", future, future))

	res, err := f.exec.Build(context.Background(), exec.Options{
		Parallelism:  1,
		ChangedFiles: []string{"/src/main.c"},
	})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
}
