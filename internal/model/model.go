// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package model defines the core entities of the build graph: artifacts,
// transformers, commands, rules, file taggers, and products. It holds
// data only; the behavior that operates on this data lives in the
// sibling graph, rules, resolve, exec, and loader packages.
//
// Handles are plain integer indices into per-project arenas rather than
// pointers, so the graph stays cheap to walk and to serialize; the
// parent/child invariant between connected artifacts is enforced at the
// connect/disconnect boundary in the graph package, not here.
package model

import (
	"time"

	"github.com/opentofu-labs/buildgraph/internal/collections"
	"github.com/opentofu-labs/buildgraph/internal/props"
)

// FileTag is a short interned symbol attached to artifacts for rule
// dispatch.
type FileTag string

// TagSet is an unordered collection of file tags.
type TagSet = collections.Set[FileTag]

// NewTagSet constructs a TagSet from the given tags.
func NewTagSet(tags ...FileTag) TagSet {
	return collections.NewSet(tags...)
}

// ArtifactHandle identifies an Artifact within a Project's arena. The zero
// value is never a valid handle.
type ArtifactHandle int

// InvalidArtifactHandle is the reserved zero value meaning "no artifact".
const InvalidArtifactHandle ArtifactHandle = 0

// TransformerHandle identifies a Transformer within a Project's arena.
type TransformerHandle int

// InvalidTransformerHandle is the reserved zero value meaning "no transformer".
const InvalidTransformerHandle TransformerHandle = 0

// ProductHandle identifies a Product within a Project's arena.
type ProductHandle int

// InvalidProductHandle is the reserved zero value meaning "no product".
const InvalidProductHandle ProductHandle = 0

// RuleHandle identifies a Rule within a Project's arena.
type RuleHandle int

// InvalidRuleHandle is the reserved zero value meaning "no rule".
const InvalidRuleHandle RuleHandle = 0

// ArtifactKind is one of the four kinds of artifact.
type ArtifactKind int

const (
	KindUnknown ArtifactKind = iota
	KindSource
	KindGenerated
	KindFileDependency
)

func (k ArtifactKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindGenerated:
		return "generated"
	case KindFileDependency:
		return "file-dependency"
	default:
		return "unknown"
	}
}

// BuildState is the transient, never-persisted build status of an artifact
// during one executor run.
type BuildState int

const (
	Untouched BuildState = iota
	Buildable
	Building
	Built
)

func (s BuildState) String() string {
	switch s {
	case Buildable:
		return "buildable"
	case Building:
		return "building"
	case Built:
		return "built"
	default:
		return "untouched"
	}
}

// Artifact is a node of the build graph.
type Artifact struct {
	Handle  ArtifactHandle
	Product ProductHandle // zero for project-owned FileDependency artifacts

	FilePath string
	// dirPath and fileName are a split cache of FilePath, kept in
	// sync by SetFilePath.
	dirPath  string
	fileName string

	Kind     ArtifactKind
	FileTags TagSet

	Properties *props.Map

	// Transformer is set iff Kind == KindGenerated.
	Transformer TransformerHandle

	Parents  *collections.OrderedSet[ArtifactHandle]
	Children *collections.OrderedSet[ArtifactHandle]

	// ChildrenAddedByScanner is the subset of Children introduced by
	// implicit scanning, tracked so they can be recomputed.
	ChildrenAddedByScanner collections.Set[ArtifactHandle]

	// FileDependencies holds handles of FileDependency artifacts this
	// artifact depends on, populated by the scanner.
	FileDependencies collections.Set[ArtifactHandle]

	Timestamp    time.Time
	AuxTimestamp time.Time

	// AlwaysUpdated: if false, the artifact may legitimately be absent
	// after a successful build; its timestamp is taken from disk.
	AlwaysUpdated bool

	// Transient fields: never persisted, always zero-initialized on load.
	InputsScanned      bool
	TimestampRetrieved bool
	BuildState         BuildState
}

// NewArtifact constructs an artifact with empty edge sets, ready to be
// inserted into a Graph.
func NewArtifact(handle ArtifactHandle, product ProductHandle, filePath string, kind ArtifactKind) *Artifact {
	a := &Artifact{
		Handle:                 handle,
		Product:                product,
		Kind:                   kind,
		FileTags:               collections.NewSet[FileTag](),
		Parents:                collections.NewOrderedSet[ArtifactHandle](),
		Children:               collections.NewOrderedSet[ArtifactHandle](),
		ChildrenAddedByScanner: collections.NewSet[ArtifactHandle](),
		FileDependencies:       collections.NewSet[ArtifactHandle](),
		AlwaysUpdated:          true,
	}
	a.SetFilePath(filePath)
	return a
}

// SetFilePath updates FilePath and its dir/name split cache.
func (a *Artifact) SetFilePath(filePath string) {
	a.FilePath = filePath
	a.dirPath, a.fileName = splitPath(filePath)
}

// DirPath returns the cached directory component of FilePath.
func (a *Artifact) DirPath() string { return a.dirPath }

// FileName returns the cached file-name component of FilePath.
func (a *Artifact) FileName() string { return a.fileName }

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

// Command is the tagged union of process and in-engine script commands.
// Exactly one of Process or Script is non-nil.
type Command struct {
	Process *ProcessCommand
	Script  *ScriptCommand
}

// ProcessCommand describes a command to run out-of-process.
type ProcessCommand struct {
	Program     string
	Args        []string
	WorkingDir  string
	Env         map[string]string
	MaxExitCode int

	// FilterSource is the optional source code of a stdout/stderr filter
	// function, evaluated in the script engine.
	FilterSource string

	// ResponseFileThreshold is the byte threshold above which arguments are
	// written to a temporary response file; negative disables it.
	ResponseFileThreshold   int
	ResponseFileUsagePrefix string
}

// ScriptCommand describes an in-engine script command.
type ScriptCommand struct {
	Source     string
	Properties map[string]string
	Location   SourceLocation
}

// SourceLocation pinpoints a command or rule-artifact template within
// project-description source, mirroring internal/diag.SourceLocation so
// rule evaluation errors can point back at it without this package
// depending on internal/diag.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

// Equal reports whether two commands have the same command signature
//: structural equality of every field.
func (c Command) Equal(other Command) bool {
	if (c.Process == nil) != (other.Process == nil) {
		return false
	}
	if (c.Script == nil) != (other.Script == nil) {
		return false
	}
	if c.Process != nil {
		return c.Process.equal(other.Process)
	}
	if c.Script != nil {
		return c.Script.equal(other.Script)
	}
	return true
}

func (p *ProcessCommand) equal(o *ProcessCommand) bool {
	if p.Program != o.Program || p.WorkingDir != o.WorkingDir || p.MaxExitCode != o.MaxExitCode ||
		p.FilterSource != o.FilterSource || p.ResponseFileThreshold != o.ResponseFileThreshold ||
		p.ResponseFileUsagePrefix != o.ResponseFileUsagePrefix {
		return false
	}
	if len(p.Args) != len(o.Args) {
		return false
	}
	for i := range p.Args {
		if p.Args[i] != o.Args[i] {
			return false
		}
	}
	if len(p.Env) != len(o.Env) {
		return false
	}
	for k, v := range p.Env {
		if ov, ok := o.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (s *ScriptCommand) equal(o *ScriptCommand) bool {
	if s.Source != o.Source || s.Location != o.Location {
		return false
	}
	if len(s.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range s.Properties {
		if ov, ok := o.Properties[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// CommandListSignature reports whether two ordered command lists have
// equal signatures, element by element. Used by the loader to decide whether a transformer's outputs can be rescued
// across an incremental reload.
func CommandListSignature(a, b []Command) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Transformer represents one invocation site for a rule.
type Transformer struct {
	Handle TransformerHandle
	Rule   RuleHandle

	Inputs  *collections.OrderedSet[ArtifactHandle]
	Outputs *collections.OrderedSet[ArtifactHandle]

	Commands []Command

	// PropertiesFromProduct and PropertiesFromArtifact record the exact
	// (module, property) tuples read during prepare-script evaluation,
	// for later change detection.
	PropertiesFromProduct  []props.Access
	PropertiesFromArtifact []props.Access
}

// NewTransformer constructs an empty transformer for the given rule.
func NewTransformer(handle TransformerHandle, rule RuleHandle) *Transformer {
	return &Transformer{
		Handle:  handle,
		Rule:    rule,
		Inputs:  collections.NewOrderedSet[ArtifactHandle](),
		Outputs: collections.NewOrderedSet[ArtifactHandle](),
	}
}
