// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package exec implements the incremental executor (component G): it
// walks the build graph from its target artifacts, dispatches out-of-date
// transformers to a bounded worker pool, and keeps every graph mutation,
// from state transitions to timestamp updates and cache invalidation, on
// a single coordinator goroutine while workers only run commands and
// report results back.
package exec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/opentofu-labs/buildgraph/internal/bglog"
	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/fsutil"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/scancache"
	"github.com/opentofu-labs/buildgraph/internal/scanner"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

// State is the executor's own run state, distinct from any one artifact's
// BuildState.
type State int

const (
	Idle State = iota
	Running
	Canceling
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Canceling:
		return "canceling"
	default:
		return "idle"
	}
}

// Options configures one Build call.
type Options struct {
	// Products restricts the build to these products' target artifacts.
	// A nil slice builds every enabled product in the graph.
	Products []model.ProductHandle

	// Parallelism bounds the number of transformers executing
	// concurrently. Zero or negative selects runtime.GOMAXPROCS(0).
	Parallelism int

	// KeepGoing: with it set, a command failure is logged and the build
	// keeps dispatching unrelated work, accumulating failures into the
	// final error; without it, the first failure cancels outstanding work.
	KeepGoing bool

	// ChangedFiles, if non-empty, is an explicit "changed files" leaf
	// set (e.g. supplied by internal/watch) instead of the default
	// "every reachable artifact with no children".
	ChangedFiles []string

	// BuildRoot is the project root the tag-inferring pre-pass derives
	// per-product build directories from when a newly added tag makes a
	// rule fire. Empty disables the pre-pass.
	BuildRoot string

	// ExcludedTags is the active file-tag filter: an artifact whose file
	// tags intersect this set is finalized without being built.
	ExcludedTags model.TagSet

	// Environment is the product build environment merged under each
	// command's explicit overlay.
	Environment map[string]string
}

// CommandResult is the structured outcome of one command invocation,
// reported to the caller regardless of success.
type CommandResult struct {
	Transformer model.TransformerHandle
	Program     string
	Args        []string
	WorkingDir  string
	ExitCode    int
	Stdout      []string
	Stderr      []string
	Err         error
}

// Result is the outcome of one Build call.
type Result struct {
	// RunID uniquely identifies this build invocation in log output.
	RunID    string
	Commands []CommandResult
	Built    []model.ArtifactHandle
	Failed   map[model.ProductHandle]error
}

// Executor runs builds over one graph.
type Executor struct {
	g       *graph.Graph
	fs      fsutil.FS
	cache   *scancache.Cache
	scanner *scanner.Scanner
	engine  *script.Engine
	log     hclog.Logger

	state State
}

// New constructs an Executor. The cache and scanner belong to this build
// session; callers start each incremental build with fresh ones rather
// than sharing them process-wide.
func New(g *graph.Graph, fs fsutil.FS, cache *scancache.Cache, sc *scanner.Scanner, engine *script.Engine) *Executor {
	return &Executor{
		g:       g,
		fs:      fs,
		cache:   cache,
		scanner: sc,
		engine:  engine,
		log:     bglog.Named("executor"),
		state:   Idle,
	}
}

// State reports the executor's current run state.
func (e *Executor) State() State { return e.state }

type need struct {
	remainingChildren map[model.ArtifactHandle]int
}

// workerDone is the single message a worker sends the coordinator when
// it has finished (or abandoned) every command of one transformer. All
// graph mutation in response happens on the coordinator goroutine.
type workerDone struct {
	th       model.TransformerHandle
	commands []CommandResult
	err      error
}

// Build runs one incremental build to completion.
func (e *Executor) Build(ctx context.Context, opts Options) (*Result, error) {
	e.state = Running
	defer func() { e.state = Idle }()

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	runID, err := uuid.GenerateUUID()
	if err != nil {
		runID = "unknown"
	}
	log := e.log.With("run", runID)
	log.Debug("starting build", "parallelism", parallelism, "keepGoing", opts.KeepGoing)

	res := &Result{RunID: runID, Failed: make(map[model.ProductHandle]error)}

	if err := ctx.Err(); err != nil {
		return res, diag.Wrap(diag.KindCommand, err, "build canceled")
	}

	if opts.BuildRoot != "" {
		if diags := e.runAutoTagPass(ctx, opts); diags.HasErrors() {
			return res, diags.Err()
		}
	}

	roots := e.targetArtifacts(opts.Products)
	reachable := reachableFrom(e.g, roots)
	e.resetStates(reachable)
	e.refreshSourceTimestamps(reachable)

	n := &need{remainingChildren: make(map[model.ArtifactHandle]int, len(reachable))}
	var leaves []model.ArtifactHandle
	for h := range reachable {
		art := e.g.Artifact(h)
		if art == nil {
			continue
		}
		remaining := 0
		for _, c := range art.Children.Ordered() {
			if _, ok := reachable[c]; ok {
				remaining++
			}
		}
		n.remainingChildren[h] = remaining
		art.BuildState = model.Buildable
		if remaining == 0 {
			leaves = append(leaves, h)
		}
	}

	if len(opts.ChangedFiles) > 0 {
		leaves = e.explicitLeaves(opts.ChangedFiles, reachable)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	sem := semaphore.NewWeighted(int64(parallelism))
	eg, egCtx := errgroup.WithContext(runCtx)

	// Buffered to the worker count so a worker's final send never blocks
	// even while the coordinator is busy elsewhere; the coordinator keeps
	// reading until active drops to zero.
	done := make(chan workerDone, parallelism)
	active := 0
	buildingTransformers := make(map[model.TransformerHandle]bool)

	dispatch := func(th model.TransformerHandle) {
		active++
		buildingTransformers[th] = true
		t := e.g.Transformer(th)
		for _, out := range t.Outputs.Ordered() {
			if a := e.g.Artifact(out); a != nil {
				a.BuildState = model.Building
			}
		}
		eg.Go(func() error {
			defer sem.Release(1)
			wd := workerDone{th: th}
			for _, cmd := range t.Commands {
				cr := e.runCommand(egCtx, th, cmd, opts.Environment)
				wd.commands = append(wd.commands, cr)
				if cr.Err != nil {
					wd.err = cr.Err
					break
				}
			}
			done <- wd
			return nil
		})
	}

	cancelCh := ctx.Done()
	for len(leaves) > 0 || active > 0 {
		for len(leaves) > 0 && e.state == Running {
			if !sem.TryAcquire(1) {
				break
			}
			a := leaves[0]
			leaves = leaves[1:]
			ready, more, err := e.prepareLeaf(a, reachable, opts, n, buildingTransformers)
			if err != nil {
				res.Failed[e.g.Artifact(a).Product] = err
				sem.Release(1)
				if !opts.KeepGoing {
					e.state = Canceling
					cancelRun()
				}
				continue
			}
			leaves = append(leaves, more...)
			if !ready {
				sem.Release(1)
				continue
			}
			th := e.g.Artifact(a).Transformer
			dispatch(th)
		}

		if active == 0 {
			// The inner loop drained the queue without dispatching
			// anything (or the run is canceling); nothing is left to wait
			// for.
			break
		}

		select {
		case wd := <-done:
			active--
			delete(buildingTransformers, wd.th)
			res.Commands = append(res.Commands, wd.commands...)
			if wd.err != nil {
				ph := e.productOfTransformer(wd.th)
				res.Failed[ph] = wd.err
				log.Warn("transformer failed", "transformer", wd.th, "error", wd.err)
				if !opts.KeepGoing {
					e.state = Canceling
					cancelRun()
				}
				continue
			}
			more := e.finishOneTransformer(wd.th, n, reachable)
			for _, out := range e.g.Transformer(wd.th).Outputs.Ordered() {
				res.Built = append(res.Built, out)
			}
			leaves = append(leaves, more...)
		case <-cancelCh:
			e.state = Canceling
			cancelRun()
			cancelCh = nil
		}
	}

	_ = eg.Wait()

	if ctx.Err() != nil {
		return res, diag.Wrap(diag.KindCommand, ctx.Err(), "build canceled")
	}
	if len(res.Failed) > 0 {
		names := make([]string, 0, len(res.Failed))
		for ph := range res.Failed {
			if p := e.g.Product(ph); p != nil {
				names = append(names, p.Name)
			}
		}
		sort.Strings(names)
		return res, diag.New(diag.KindCommand, "build failed for products: %v", names)
	}
	return res, nil
}

// productOfTransformer reports the product owning a transformer's first
// output, which is where a command failure is attributed.
func (e *Executor) productOfTransformer(th model.TransformerHandle) model.ProductHandle {
	t := e.g.Transformer(th)
	if t == nil {
		return model.InvalidProductHandle
	}
	for _, out := range t.Outputs.Ordered() {
		if a := e.g.Artifact(out); a != nil {
			return a.Product
		}
	}
	return model.InvalidProductHandle
}

func (e *Executor) targetArtifacts(products []model.ProductHandle) []model.ArtifactHandle {
	var roots []model.ArtifactHandle
	if len(products) == 0 {
		products = e.g.Products()
	}
	for _, ph := range products {
		p := e.g.Product(ph)
		if p == nil || !p.Enabled {
			continue
		}
		roots = append(roots, p.TargetArtifacts...)
	}
	return roots
}

func reachableFrom(g *graph.Graph, roots []model.ArtifactHandle) map[model.ArtifactHandle]bool {
	visited := make(map[model.ArtifactHandle]bool)
	stack := append([]model.ArtifactHandle(nil), roots...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[h] {
			continue
		}
		visited[h] = true
		a := g.Artifact(h)
		if a == nil {
			continue
		}
		stack = append(stack, a.Children.Ordered()...)
	}
	return visited
}

func (e *Executor) resetStates(reachable map[model.ArtifactHandle]bool) {
	for h := range reachable {
		if a := e.g.Artifact(h); a != nil {
			a.BuildState = model.Untouched
			a.InputsScanned = false
		}
	}
}

// refreshSourceTimestamps probes disk mtimes for every reachable source
// artifact. Source artifacts are always file-level rather than
// directory-level here, so there is no directory tree to walk per
// artifact. It reports whether any source timestamp moved.
func (e *Executor) refreshSourceTimestamps(reachable map[model.ArtifactHandle]bool) bool {
	changed := false
	for h := range reachable {
		a := e.g.Artifact(h)
		if a == nil || a.Kind == model.KindGenerated {
			continue
		}
		if mt := e.fs.ModTime(a.FilePath); !mt.IsZero() && !mt.Equal(a.Timestamp) {
			a.Timestamp = mt
			changed = true
		}
		a.TimestampRetrieved = true
	}
	return changed
}

func (e *Executor) explicitLeaves(changedFiles []string, reachable map[model.ArtifactHandle]bool) []model.ArtifactHandle {
	var leaves []model.ArtifactHandle
	seen := make(map[model.ArtifactHandle]bool)
	for _, f := range changedFiles {
		dir, name := splitPath(f)
		h, ok := e.g.LookupArtifact(model.InvalidProductHandle, dir, name)
		if !ok || !reachable[h] || seen[h] {
			continue
		}
		seen[h] = true
		leaves = append(leaves, h)
		e.markAncestorsBuildable(h, reachable)
	}
	return leaves
}

func (e *Executor) markAncestorsBuildable(h model.ArtifactHandle, reachable map[model.ArtifactHandle]bool) {
	a := e.g.Artifact(h)
	if a == nil {
		return
	}
	for _, p := range a.Parents.Ordered() {
		if !reachable[p] {
			continue
		}
		if pa := e.g.Artifact(p); pa != nil && pa.BuildState != model.Buildable {
			pa.BuildState = model.Buildable
			e.markAncestorsBuildable(p, reachable)
		}
	}
}

// prepareLeaf runs the per-leaf decision tree of the main loop, up to
// (but not including) dispatch: it reports whether a is now ready
// to hand to a worker, plus any newly discovered leaves to enqueue.
func (e *Executor) prepareLeaf(
	a model.ArtifactHandle,
	reachable map[model.ArtifactHandle]bool,
	opts Options,
	n *need,
	building map[model.TransformerHandle]bool,
) (ready bool, more []model.ArtifactHandle, err error) {
	art := e.g.Artifact(a)
	if art == nil || art.BuildState == model.Built {
		return false, nil, nil
	}

	if art.Kind != model.KindGenerated {
		more = e.finalize(a, n, reachable)
		return false, more, nil
	}

	if building[art.Transformer] {
		art.BuildState = model.Building
		return false, nil, nil
	}

	if len(opts.ExcludedTags) > 0 && tagsIntersect(art.FileTags, opts.ExcludedTags) {
		more = e.finalize(a, n, reachable)
		return false, more, nil
	}

	if e.isUpToDate(art) {
		more = e.finalize(a, n, reachable)
		return false, more, nil
	}

	t := e.g.Transformer(art.Transformer)
	if t == nil {
		return false, nil, diag.New(diag.KindGraphInvariant, "generated artifact %q has no transformer", art.FilePath)
	}
	for _, out := range t.Outputs.Ordered() {
		if oa := e.g.Artifact(out); oa != nil {
			if err := e.fs.MkdirAllForFile(oa.FilePath); err != nil {
				return false, nil, diag.Wrap(diag.KindIO, err, "creating output directory for %q", oa.FilePath)
			}
		}
	}

	introduced, diags := e.scanner.Refresh(a, t.Inputs.Ordered())
	if diags.HasErrors() {
		return false, nil, diags.Err()
	}
	art.InputsScanned = true

	if introduced {
		remaining := 0
		for _, c := range art.Children.Ordered() {
			e.addDiscovered(c, n, reachable, &more)
			if ca := e.g.Artifact(c); ca != nil && ca.BuildState != model.Built {
				remaining++
			}
		}
		n.remainingChildren[a] = remaining
		if remaining > 0 {
			return false, more, nil
		}
	}

	return true, more, nil
}

// addDiscovered folds a scanner-introduced child (and, transitively, its
// own unbuilt children) into the run's bookkeeping, appending any of them
// that are immediately dispatchable to more. A child already known to the
// run — including one currently Building on another worker — is left
// alone; the executor just waits for it.
func (e *Executor) addDiscovered(h model.ArtifactHandle, n *need, reachable map[model.ArtifactHandle]bool, more *[]model.ArtifactHandle) {
	if _, known := n.remainingChildren[h]; known {
		return
	}
	reachable[h] = true
	a := e.g.Artifact(h)
	if a == nil {
		n.remainingChildren[h] = 0
		return
	}
	if a.BuildState == model.Untouched {
		a.BuildState = model.Buildable
	}
	remaining := 0
	for _, c := range a.Children.Ordered() {
		e.addDiscovered(c, n, reachable, more)
		if ca := e.g.Artifact(c); ca != nil && ca.BuildState != model.Built {
			remaining++
		}
	}
	n.remainingChildren[h] = remaining
	if remaining == 0 && a.BuildState == model.Buildable {
		*more = append(*more, h)
	}
}

func (e *Executor) isUpToDate(art *model.Artifact) bool {
	if art.Timestamp.IsZero() {
		return false
	}
	for _, c := range art.Children.Ordered() {
		ca := e.g.Artifact(c)
		if ca != nil && ca.Timestamp.After(art.Timestamp) {
			return false
		}
	}
	for fd := range art.FileDependencies {
		fa := e.g.Artifact(fd)
		if fa == nil {
			continue
		}
		if mt := e.fs.ModTime(fa.FilePath); mt.After(art.Timestamp) {
			return false
		}
	}
	return true
}

func (e *Executor) finalize(a model.ArtifactHandle, n *need, reachable map[model.ArtifactHandle]bool) []model.ArtifactHandle {
	art := e.g.Artifact(a)
	if art == nil {
		return nil
	}
	art.BuildState = model.Built
	if art.Timestamp.IsZero() {
		if mt := e.fs.ModTime(art.FilePath); !mt.IsZero() {
			art.Timestamp = mt
		}
	}
	return e.enqueueReadyParents(a, n, reachable)
}

func (e *Executor) enqueueReadyParents(a model.ArtifactHandle, n *need, reachable map[model.ArtifactHandle]bool) []model.ArtifactHandle {
	var ready []model.ArtifactHandle
	art := e.g.Artifact(a)
	if art == nil {
		return ready
	}
	for _, p := range art.Parents.Ordered() {
		if !reachable[p] {
			continue
		}
		n.remainingChildren[p]--
		if n.remainingChildren[p] <= 0 {
			ready = append(ready, p)
		}
	}
	return ready
}

func (e *Executor) finishOneTransformer(th model.TransformerHandle, n *need, reachable map[model.ArtifactHandle]bool) []model.ArtifactHandle {
	t := e.g.Transformer(th)
	if t == nil {
		return nil
	}
	var more []model.ArtifactHandle
	now := time.Now()
	for _, out := range t.Outputs.Ordered() {
		a := e.g.Artifact(out)
		if a == nil || a.BuildState == model.Built {
			continue
		}
		if a.AlwaysUpdated {
			a.Timestamp = now
		} else if mt := e.fs.ModTime(a.FilePath); !mt.IsZero() {
			a.Timestamp = mt
		}
		a.BuildState = model.Built
		e.cache.Remove(a.FilePath)
		more = append(more, e.enqueueReadyParents(out, n, reachable)...)
	}
	return more
}

func tagsIntersect(a, b model.TagSet) bool {
	for t := range a {
		if b.Has(t) {
			return true
		}
	}
	return false
}

func splitPath(p string) (dir, name string) {
	idx := -1
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// runCommand dispatches a single command of a transformer, out-of-process
// for model.ProcessCommand or on the script engine for
// model.ScriptCommand. The Engine tolerates only one evaluation at a
// time; callers wanting parallel script workers supply one Engine each.
func (e *Executor) runCommand(ctx context.Context, th model.TransformerHandle, cmd model.Command, baseEnv map[string]string) CommandResult {
	if cmd.Process != nil {
		return e.runProcessCommand(ctx, th, cmd.Process, baseEnv)
	}
	if cmd.Script != nil {
		return e.runScriptCommand(ctx, th, cmd.Script)
	}
	return CommandResult{Transformer: th, Err: fmt.Errorf("command has neither Process nor Script set")}
}

func (e *Executor) runProcessCommand(ctx context.Context, th model.TransformerHandle, p *model.ProcessCommand, baseEnv map[string]string) CommandResult {
	result := CommandResult{Transformer: th, Program: p.Program, Args: p.Args, WorkingDir: p.WorkingDir}

	args := p.Args
	if p.ResponseFileThreshold >= 0 {
		joined := p.Program
		for _, a := range args {
			joined += " " + a
		}
		if len(joined) > p.ResponseFileThreshold {
			f, err := os.CreateTemp("", "buildgraph-response-*")
			if err != nil {
				result.Err = diag.Wrap(diag.KindIO, err, "creating response file for %q", p.Program)
				return result
			}
			for _, a := range args {
				fmt.Fprintln(f, a)
			}
			f.Close()
			defer os.Remove(f.Name())
			args = []string{p.ResponseFileUsagePrefix + f.Name()}
		}
	}
	result.Args = args

	cmd := exec.CommandContext(ctx, p.Program, args...)
	cmd.Dir = p.WorkingDir
	cmd.Env = mergeEnv(baseEnv, p.Env)

	var filter func(string) (string, bool)
	if p.FilterSource != "" {
		f, err := e.engine.EvalFilter(p.FilterSource)
		if err != nil {
			result.Err = err
			return result
		}
		filter = f
	}

	stdout, err := cmd.Output()
	exitCode := 0
	var stderr []byte
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			stderr = exitErr.Stderr
		} else {
			result.Err = diag.Wrap(diag.KindCommand, err, "failed to start %q", p.Program)
			return result
		}
	}
	result.ExitCode = exitCode
	result.Stdout = filterLines(stdout, filter)
	result.Stderr = filterLines(stderr, filter)
	if exitCode > p.MaxExitCode {
		result.Err = diag.New(diag.KindCommand, "%q exited with code %d (max allowed %d)", p.Program, exitCode, p.MaxExitCode)
	}
	return result
}

func (e *Executor) runScriptCommand(ctx context.Context, th model.TransformerHandle, s *model.ScriptCommand) CommandResult {
	result := CommandResult{Transformer: th, Program: "(script)"}
	if err := e.engine.EvalScriptCommand(ctx, s.Location, s.Source, s.Properties); err != nil {
		result.Err = err
	}
	return result
}

func mergeEnv(base, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func filterLines(raw []byte, filter func(string) (string, bool)) []string {
	if len(raw) == 0 {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	if filter == nil {
		return lines
	}
	var out []string
	for _, l := range lines {
		if kept, ok := filter(l); ok {
			out = append(out, kept)
		}
	}
	return out
}
