// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package model

import "github.com/opentofu-labs/buildgraph/internal/props"

// RuleKind distinguishes an ordinary production rule, which must yield at
// least one command, from a rewire-only rule that exists purely to add
// dependency edges between existing artifacts and may yield none.
type RuleKind int

const (
	RuleKindProduction RuleKind = iota
	RuleKindRewire
)

// PropertyBinding is one `(qualified-name, expression, location)` entry
// from a rule-artifact template.
type PropertyBinding struct {
	QualifiedName string
	Expression    string
	Location      SourceLocation
}

// RuleArtifactTemplate is one of a rule's ordered list of output
// templates.
type RuleArtifactTemplate struct {
	// FileNameExpression is evaluated in the rule scope to produce the
	// output artifact's path.
	FileNameExpression string
	Tags               TagSet
	AlwaysUpdated      bool
	Bindings           []PropertyBinding
}

// Rule is a declarative production recipe keyed on input file tags.
type Rule struct {
	Handle RuleHandle
	Kind   RuleKind

	// Name and Location identify the rule in conflict and error messages.
	Name     string
	Location SourceLocation

	Inputs              TagSet
	AuxiliaryInputs     TagSet
	Usings              TagSet
	ExplicitlyDependsOn TagSet

	Artifacts []RuleArtifactTemplate

	PrepareScriptSource   string
	PrepareScriptLocation SourceLocation

	// Multiplex: if true, the rule fires once per product over the full
	// tagged input set; otherwise once per input artifact.
	Multiplex bool

	// Module is the owning module, carrying the imports visible during
	// prepare-script evaluation. It is opaque to this package; callers in
	// internal/rules and internal/script interpret it.
	Module string
}

// FileTagger is a regex-over-filename to tag-set rule.
type FileTagger struct {
	Pattern string
	Tags    TagSet
}

// Product is the aggregate of groups of source artifacts, rules, file
// taggers, module dependencies, and a property map.
type Product struct {
	Handle ProductHandle
	Name   string

	Rules       []RuleHandle
	FileTaggers []FileTagger

	// Properties is the product-wide configuration rules read from
	// during prepare-script evaluation.
	Properties *props.Map

	// DependsOn lists the handles of products this one depends on, used
	// for `usings` expansion and dependency resolution
	// order.
	DependsOn []ProductHandle

	// OwnTags is the product's own tag set; any generated artifact whose
	// tags intersect it becomes a target artifact.
	OwnTags TagSet

	Enabled bool

	// Artifacts lists every artifact this product owns (sources and
	// generated), in insertion order.
	Artifacts []ArtifactHandle

	// TargetArtifacts is populated by the resolver.
	TargetArtifacts []ArtifactHandle
}
