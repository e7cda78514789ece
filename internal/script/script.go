// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package script evaluates the prepare scripts, filter functions, and
// in-engine script commands embedded in rules using a real, embeddable Go
// interpreter (yaegi) rather than a bespoke expression language: project
// description authors write ordinary Go, restricted to a curated symbol
// table, and this package loads and calls it.
package script

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/errorhandling"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
)

// allowedPackages is the surface exposed to project-description scripts:
// a curated stdlib subset plus the "buildgraph" package carrying the
// Scope and Command types scripts build their return values from.
// Anything else — os/exec, net, unsafe — stays unreachable so a prepare
// script cannot do more than compute artifact metadata.
var allowedPackages = map[string]bool{
	"strings":       true,
	"strconv":       true,
	"fmt":           true,
	"path":          true,
	"path/filepath": true,
	"regexp":        true,
	"sort":          true,
	"errors":        true,
	"buildgraph":    true,
}

// Type aliases re-exported to scripts under the "buildgraph" import, so a
// prepare script's return values are the same Go types the rest of the
// core consumes.
type (
	Command        = model.Command
	ProcessCommand = model.ProcessCommand
	ScriptCommand  = model.ScriptCommand
)

// Scope is the set of bindings visible to one script evaluation: the
// recorded views of the product and artifact property maps, plus the
// artifact file paths of the transformer's current inputs and outputs.
type Scope struct {
	Product  *props.Recorder
	Artifact *props.Recorder
	Inputs   []string
	Outputs  []string
}

// Engine wraps a yaegi interpreter configured with the project's allowed
// packages. Engines are not safe for concurrent Eval calls; the rules
// applicator and executor each keep their own.
type Engine struct {
	interp *interp.Interpreter

	// prepareCache memoizes the compiled Prepare function per script
	// source, so a rule applied once per input compiles its script once.
	prepareCache map[string]func(Scope) ([]model.Command, error)
}

// exports is the symbol table scripts see under `import "buildgraph"`.
var exports = interp.Exports{
	"buildgraph/buildgraph": {
		"Scope":          reflect.ValueOf((*Scope)(nil)),
		"Command":        reflect.ValueOf((*Command)(nil)),
		"ProcessCommand": reflect.ValueOf((*ProcessCommand)(nil)),
		"ScriptCommand":  reflect.ValueOf((*ScriptCommand)(nil)),
		"Recorder":       reflect.ValueOf((*props.Recorder)(nil)),
	},
}

// New constructs an Engine with the stdlib and buildgraph symbol tables
// loaded.
func New() (*Engine, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, diag.Wrap(diag.KindRuleEvaluation, err, "failed to initialize script engine")
	}
	if err := i.Use(exports); err != nil {
		return nil, diag.Wrap(diag.KindRuleEvaluation, err, "failed to expose buildgraph symbols to script engine")
	}
	return &Engine{
		interp:       i,
		prepareCache: make(map[string]func(Scope) ([]model.Command, error)),
	}, nil
}

// EvalPrepareScript runs a rule's prepare-script source, which must
// define `func Prepare(scope buildgraph.Scope) ([]buildgraph.Command,
// error)`, and returns the commands it produces. The compiled function
// is cached per source, so re-applying a rule never recompiles it.
func (e *Engine) EvalPrepareScript(ctx context.Context, loc model.SourceLocation, source string, scope Scope) ([]model.Command, error) {
	fn, cached := e.prepareCache[source]
	if !cached {
		if err := checkImports(source); err != nil {
			return nil, diag.Wrap(diag.KindRuleEvaluation, err, "prepare script at %s uses a disallowed import", loc.File).At(diag.SourceLocation(loc))
		}

		if _, err := e.interp.Eval(wrapPackage(source)); err != nil {
			return nil, diag.Wrap(diag.KindRuleEvaluation, err, "prepare script at %s failed to compile", loc.File).At(diag.SourceLocation(loc))
		}

		fnVal, err := e.interp.Eval("main.Prepare")
		if err != nil {
			return nil, diag.Wrap(diag.KindRuleEvaluation, err, "prepare script at %s does not define Prepare", loc.File).At(diag.SourceLocation(loc))
		}

		var ok bool
		fn, ok = fnVal.Interface().(func(Scope) ([]model.Command, error))
		if !ok {
			return nil, diag.New(diag.KindRuleEvaluation,
				"prepare script at %s: Prepare has signature %s, want func(buildgraph.Scope) ([]buildgraph.Command, error)",
				loc.File, fnVal.Type()).At(diag.SourceLocation(loc))
		}
		e.prepareCache[source] = fn
	}

	return runWithCancellation(ctx, func() ([]model.Command, error) { return fn(scope) })
}

// TemplateVars builds the per-input variables a rule-artifact template
// expression may reference, derived from one input artifact's file path:
// input.fileName, input.baseName (up to the first dot), input.
// completeBaseName (up to the last dot), input.baseDir, and
// input.filePath.
func TemplateVars(filePath string) map[string]string {
	dir, name := splitFilePath(filePath)
	return map[string]string{
		"input.fileName":         name,
		"input.baseName":         baseName(name),
		"input.completeBaseName": completeBaseName(name),
		"input.baseDir":          dir,
		"input.filePath":         filePath,
	}
}

// EvalTemplateExpression evaluates a rule-artifact fileName or property
// binding expression: literal text with ${var} references resolved
// against vars. A reference to a variable not present in vars is an
// error, as is any ${...} reference when vars is nil (a rule with no
// inputs cannot name input-derived variables).
func (e *Engine) EvalTemplateExpression(expr string, vars map[string]string) (string, error) {
	if !strings.Contains(expr, "${") {
		return expr, nil
	}
	var out strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated ${ reference in expression %q", expr)
		}
		ref := rest[:end]
		rest = rest[end+1:]
		if vars == nil {
			return "", fmt.Errorf("expression %q references %q but the rule has no inputs", expr, ref)
		}
		v, ok := vars[ref]
		if !ok {
			return "", fmt.Errorf("expression %q references unknown variable %q", expr, ref)
		}
		out.WriteString(v)
	}
}

func splitFilePath(p string) (dir, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func baseName(fileName string) string {
	if idx := strings.IndexByte(fileName, '.'); idx > 0 {
		return fileName[:idx]
	}
	return fileName
}

func completeBaseName(fileName string) string {
	if idx := strings.LastIndexByte(fileName, '.'); idx > 0 {
		return fileName[:idx]
	}
	return fileName
}

// EvalFilter runs a process command's stdout/stderr filter function,
// which must define `func Filter(line string) (string, bool)`; the bool
// reports whether the line should be kept.
func (e *Engine) EvalFilter(source string) (func(string) (string, bool), error) {
	if err := checkImports(source); err != nil {
		return nil, diag.Wrap(diag.KindCommand, err, "filter function uses a disallowed import")
	}
	if _, err := e.interp.Eval(wrapPackage(source)); err != nil {
		return nil, diag.Wrap(diag.KindCommand, err, "filter function failed to compile")
	}
	fnVal, err := e.interp.Eval("main.Filter")
	if err != nil {
		return nil, diag.Wrap(diag.KindCommand, err, "filter function does not define Filter")
	}
	fn, ok := fnVal.Interface().(func(string) (string, bool))
	if !ok {
		return nil, diag.New(diag.KindCommand, "Filter has signature %s, want func(string) (string, bool)", fnVal.Type())
	}
	return fn, nil
}

// EvalScriptCommand runs an in-engine script command reified from a
// rule's prepare script. The source must define
// `func Run(properties map[string]string) error`; the executor calls
// this on its dedicated single-threaded script worker rather than
// out-of-process.
func (e *Engine) EvalScriptCommand(ctx context.Context, loc model.SourceLocation, source string, properties map[string]string) error {
	if err := checkImports(source); err != nil {
		return diag.Wrap(diag.KindCommand, err, "script command at %s uses a disallowed import", loc.File).At(diag.SourceLocation(loc))
	}
	if _, err := e.interp.Eval(wrapPackage(source)); err != nil {
		return diag.Wrap(diag.KindCommand, err, "script command at %s failed to compile", loc.File).At(diag.SourceLocation(loc))
	}
	fnVal, err := e.interp.Eval("main.Run")
	if err != nil {
		return diag.Wrap(diag.KindCommand, err, "script command at %s does not define Run", loc.File).At(diag.SourceLocation(loc))
	}
	fn, ok := fnVal.Interface().(func(map[string]string) error)
	if !ok {
		return diag.New(diag.KindCommand, "script command at %s: Run has signature %s, want func(map[string]string) error",
			loc.File, fnVal.Type()).At(diag.SourceLocation(loc))
	}
	_, err = runWithCancellation(ctx, func() (struct{}, error) { return struct{}{}, fn(properties) })
	return err
}

// runWithCancellation evaluates f on its own goroutine so the caller can
// abandon a runaway script when ctx is canceled, converting any panic the
// interpreter raises into a rule-evaluation diagnostic instead of
// crashing the coordinator.
func runWithCancellation[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := errorhandling.Safe2(f, func(err error) error {
			return diag.Wrap(diag.KindRuleEvaluation, err, "script evaluation panicked")
		})
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func wrapPackage(source string) string {
	return fmt.Sprintf("package main\n\n%s\n", source)
}

// checkImports rejects any import not present in allowedPackages. This is
// a coarse textual scan rather than a full parse, matching the scope of
// the equivalent check in other sandboxed yaegi integrations. New loads
// the full yaegi stdlib symbol table, os/exec and net included, so this
// scan is the only thing that keeps those packages out of scripts.
func checkImports(source string) error {
	imports, err := extractImports(source)
	if err != nil {
		return err
	}
	var forbidden []string
	for _, pkg := range imports {
		if !allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("disallowed imports: %v", forbidden)
	}
	return nil
}

func extractImports(source string) ([]string, error) {
	var imports []string
	inBlock := false
	for _, line := range splitLines(source) {
		trimmed := trimSpace(line)
		switch {
		case trimmed == "import (":
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock && trimmed != "":
			imports = append(imports, unquote(trimmed))
		case len(trimmed) > 7 && trimmed[:7] == "import ":
			imports = append(imports, unquote(trimmed[7:]))
		}
	}
	return imports, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

func unquote(s string) string {
	s = trimSpace(s)
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '"' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
