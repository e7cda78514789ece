// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package diag implements the structured diagnostic values the build-graph
// core uses instead of raw errors: a severity, a category, an optional
// source location, and an optional wrapped cause, consolidated across one
// operation via github.com/hashicorp/go-multierror and
// github.com/hashicorp/errwrap.
package diag

import (
	"fmt"

	"github.com/hashicorp/errwrap"
	"github.com/hashicorp/go-multierror"
)

// Severity distinguishes diagnostics that must stop the current operation
// from ones that are merely informational.
type Severity int

const (
	Error Severity = iota
	Warning
)

func (s Severity) String() string {
	if s == Warning {
		return "warning"
	}
	return "error"
}

// Kind identifies which of the error categories from
// Diagnostic belongs to.
type Kind int

const (
	// KindConfiguration covers incompatible persisted configuration, unknown
	// profiles, and missing product dependencies.
	KindConfiguration Kind = iota
	// KindGraphInvariant covers duplicate artifacts, cycles, and
	// transformers lacking an always-updated output. Always fatal.
	KindGraphInvariant
	// KindRuleEvaluation covers prepare-script failures, invalid rule
	// artifact bindings, and output conflicts between rules.
	KindRuleEvaluation
	// KindScanner covers a scanner plug-in refusing to open a file.
	// Recovered locally; never propagated as a fatal diagnostic.
	KindScanner
	// KindCommand covers process and script command failures.
	KindCommand
	// KindIO covers filesystem failures: directory creation, response
	// files, artifact removal.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindGraphInvariant:
		return "graph invariant violation"
	case KindRuleEvaluation:
		return "rule evaluation error"
	case KindScanner:
		return "scanner error"
	case KindCommand:
		return "command failure"
	case KindIO:
		return "I/O error"
	default:
		return "unknown error"
	}
}

// SourceLocation pinpoints a diagnostic inside a rule, prepare script, or
// rule-artifact template, for diagnostics that originate from evaluating
// project-description source.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return ""
	}
	if l.Line <= 0 {
		return l.File
	}
	if l.Column <= 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Diagnostic is a single structured error or warning value.
type Diagnostic struct {
	Severity Severity
	Kind     Kind
	Summary  string
	Detail   string
	Subject  *SourceLocation
	Cause    error
}

// Error implements the error interface so a single Diagnostic can be
// returned or wrapped wherever plain Go error handling is more convenient
// than threading a Diagnostics slice through.
func (d *Diagnostic) Error() string {
	loc := ""
	if d.Subject != nil {
		if s := d.Subject.String(); s != "" {
			loc = s + ": "
		}
	}
	msg := loc + d.Summary
	if d.Detail != "" {
		msg += ": " + d.Detail
	}
	if d.Cause != nil {
		return errwrap.Wrapf(msg+": {{err}}", d.Cause).Error()
	}
	return msg
}

func (d *Diagnostic) Unwrap() error {
	return d.Cause
}

// New builds an error-severity Diagnostic of the given kind.
func New(kind Kind, summary string, args ...any) *Diagnostic {
	return &Diagnostic{Severity: Error, Kind: kind, Summary: fmt.Sprintf(summary, args...)}
}

// Wrap builds an error-severity Diagnostic that carries an underlying cause.
func Wrap(kind Kind, cause error, summary string, args ...any) *Diagnostic {
	return &Diagnostic{Severity: Error, Kind: kind, Summary: fmt.Sprintf(summary, args...), Cause: cause}
}

// Warn builds a warning-severity Diagnostic.
func Warn(kind Kind, summary string, args ...any) *Diagnostic {
	return &Diagnostic{Severity: Warning, Kind: kind, Summary: fmt.Sprintf(summary, args...)}
}

// At attaches a source location to a Diagnostic, returning the same value
// for chaining at the call site: `return diag.New(...).At(loc)`.
func (d *Diagnostic) At(loc SourceLocation) *Diagnostic {
	d.Subject = &loc
	return d
}

// Diagnostics is an ordered collection of Diagnostic values accumulated
// over the course of one operation.
type Diagnostics []*Diagnostic

// Append adds one or more diagnostics, flattening nested Diagnostics and
// wrapping plain errors as KindIO diagnostics so every element of the
// slice is always a *Diagnostic.
func (d Diagnostics) Append(news ...any) Diagnostics {
	for _, n := range news {
		switch n := n.(type) {
		case nil:
			continue
		case *Diagnostic:
			if n != nil {
				d = append(d, n)
			}
		case Diagnostics:
			d = d.Append(toAnySlice(n)...)
		case error:
			d = append(d, Wrap(KindIO, n, "unexpected error"))
		default:
			panic(fmt.Sprintf("diag.Diagnostics.Append: unsupported type %T", n))
		}
	}
	return d
}

func toAnySlice(ds Diagnostics) []any {
	out := make([]any, len(ds))
	for i, d := range ds {
		out[i] = d
	}
	return out
}

// HasErrors reports whether any diagnostic in the collection is
// Error-severity.
func (d Diagnostics) HasErrors() bool {
	for _, diag := range d {
		if diag.Severity == Error {
			return true
		}
	}
	return false
}

// Errs returns only the error-severity diagnostics.
func (d Diagnostics) Errs() Diagnostics {
	var out Diagnostics
	for _, diag := range d {
		if diag.Severity == Error {
			out = append(out, diag)
		}
	}
	return out
}

// Warnings returns only the warning-severity diagnostics.
func (d Diagnostics) Warnings() Diagnostics {
	var out Diagnostics
	for _, diag := range d {
		if diag.Severity == Warning {
			out = append(out, diag)
		}
	}
	return out
}

// Err consolidates every error-severity diagnostic into a single
// *multierror.Error, or returns nil if there are none. This is the
// boundary at which the executor's keep_going accumulation
// turns into a single value a caller can treat as a conventional error.
func (d Diagnostics) Err() error {
	errs := d.Errs()
	if len(errs) == 0 {
		return nil
	}
	merr := &multierror.Error{
		ErrorFormat: func(es []error) string {
			if len(es) == 1 {
				return es[0].Error()
			}
			msg := fmt.Sprintf("%d errors occurred:", len(es))
			for _, e := range es {
				msg += "\n\t* " + e.Error()
			}
			return msg
		},
	}
	for _, diag := range errs {
		merr = multierror.Append(merr, diag)
	}
	return merr
}
