// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package pool implements the persistent build graph: a streamed,
// id-interned binary encoding of a full *graph.Graph, written and read
// with github.com/fxamacker/cbor/v2. Objects are already addressed by
// the small integer handles the graph package assigns on first sight;
// this package additionally interns every string, from file paths to
// file tags to qualified property names, into one table so repeated
// strings cost one varint-sized reference after their first occurrence.
//
// Streams are strictly sequential: Store walks the graph once writing a
// single CBOR value, and Load decodes that single value back. Random
// access into a stored graph is not supported.
package pool

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/props"
)

// formatVersion must be bumped whenever the on-disk shape changes in a
// way that isn't forward-compatible; Load refuses to read a file
// carrying a different version.
const formatVersion = 1

// FormatError is returned by Load when the stream's head block is
// unreadable or carries an incompatible version; the caller is meant
// to treat this as a cache miss and force a re-resolve.
type FormatError struct {
	Cause error
}

func (e *FormatError) Error() string { return fmt.Sprintf("build graph format error: %s", e.Cause) }
func (e *FormatError) Unwrap() error { return e.Cause }

// HeadBlock is the document's resolved configuration, compared by the
// loader against a freshly requested configuration to decide
// compatibility before trusting the rest of the stream.
type HeadBlock struct {
	Version       int
	ProjectID     string
	Configuration map[string]string
}

type fileOnDisk struct {
	Head HeadBlock

	// Strings is the interned string table: every file path, file tag,
	// rule/product name, and qualified property name referenced below is
	// stored here once and referenced elsewhere by index.
	Strings []string

	Rules            []ruleDTO
	Products         []productDTO
	Transformers     []transformerDTO
	Artifacts        []artifactDTO
	FileDependencies []int // string ids of project-owned file dependency paths
}

type tagSetDTO []int // string ids

type propertyDTO struct {
	NameID int
	JSON   []byte // ctyjson.SimpleJSONValue-encoded
}

type propAccessDTO struct {
	Kind   int
	NameID int
	JSON   []byte
}

type ruleArtifactTemplateDTO struct {
	FileNameExprID int
	Tags           tagSetDTO
	AlwaysUpdated  bool
	Bindings       []bindingDTO
}

type bindingDTO struct {
	QualifiedNameID int
	ExpressionID    int
	Location        model.SourceLocation
}

type ruleDTO struct {
	Handle              int
	Kind                int
	NameID              int
	Location            model.SourceLocation
	Inputs              tagSetDTO
	AuxiliaryInputs     tagSetDTO
	Usings              tagSetDTO
	ExplicitlyDependsOn tagSetDTO
	Artifacts           []ruleArtifactTemplateDTO
	PrepareScriptSrcID  int
	PrepareScriptLoc    model.SourceLocation
	Multiplex           bool
	ModuleID            int
}

type fileTaggerDTO struct {
	PatternID int
	Tags      tagSetDTO
}

type productDTO struct {
	Handle          int
	NameID          int
	Rules           []int
	FileTaggers     []fileTaggerDTO
	Properties      []propertyDTO
	DependsOn       []int
	OwnTags         tagSetDTO
	Enabled         bool
	Artifacts       []int
	TargetArtifacts []int
}

type processCommandDTO struct {
	ProgramID     int
	ArgIDs        []int
	WorkingDirID  int
	Env           map[int]int
	MaxExitCode   int
	FilterSrcID   int
	RespThreshold int
	RespPrefixID  int
}

type scriptCommandDTO struct {
	SourceID   int
	Properties map[int]int
	Location   model.SourceLocation
}

type commandDTO struct {
	Process *processCommandDTO
	Script  *scriptCommandDTO
}

type transformerDTO struct {
	Handle                 int
	Rule                   int
	Inputs                 []int
	Outputs                []int
	Commands               []commandDTO
	PropertiesFromProduct  []propAccessDTO
	PropertiesFromArtifact []propAccessDTO
}

type artifactDTO struct {
	Handle        int
	Product       int
	FilePathID    int
	Kind          int
	FileTags      tagSetDTO
	Properties    []propertyDTO
	Transformer   int
	Parents       []int
	Children      []int
	ScannerEdges  []int
	FileDeps      []int
	TimestampUnix int64
	AuxTimestamp  int64
	AlwaysUpdated bool
}

// interner assigns a stable, order-of-first-sight integer id to strings,
// implementing the "strings are id-interned separately from objects"
// contract.
type interner struct {
	ids  map[string]int
	list []string
}

func newInterner() *interner { return &interner{ids: make(map[string]int)} }

func (in *interner) intern(s string) int {
	if id, ok := in.ids[s]; ok {
		return id
	}
	id := len(in.list)
	in.list = append(in.list, s)
	in.ids[s] = id
	return id
}

// tagSet interns a tag set in sorted order, so the same logical set
// always produces the same string-table layout; without this, Go map
// iteration would make Store's output differ between otherwise identical
// runs and break the byte-for-byte re-store property.
func (in *interner) tagSet(ts model.TagSet) tagSetDTO {
	tags := make([]string, 0, len(ts))
	for t := range ts {
		tags = append(tags, string(t))
	}
	sort.Strings(tags)
	out := make(tagSetDTO, 0, len(tags))
	for _, t := range tags {
		out = append(out, in.intern(t))
	}
	return out
}

// sortedKeys returns a string map's keys in sorted order, for the same
// determinism reason as tagSet.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortedHandles flattens a handle set into a sorted int slice.
func sortedHandles(s map[model.ArtifactHandle]struct{}) []int {
	out := make([]int, 0, len(s))
	for h := range s {
		out = append(out, int(h))
	}
	sort.Ints(out)
	return out
}

// Store serializes g and headConfig as a single CBOR document to w.
func Store(w io.Writer, g *graph.Graph, projectID string, headConfig map[string]string) error {
	in := newInterner()
	doc := fileOnDisk{
		Head: HeadBlock{
			Version:       formatVersion,
			ProjectID:     projectID,
			Configuration: headConfig,
		},
	}

	for _, rh := range g.Rules() {
		r := g.Rule(rh)
		rd := encodeRule(in, r)
		rd.Handle = int(rh)
		doc.Rules = append(doc.Rules, rd)
	}
	for _, ph := range g.Products() {
		p := g.Product(ph)
		pd := encodeProduct(in, p)
		pd.Handle = int(ph)
		doc.Products = append(doc.Products, pd)
	}
	for _, th := range g.Transformers() {
		t := g.Transformer(th)
		td := encodeTransformer(in, t)
		td.Handle = int(th)
		doc.Transformers = append(doc.Transformers, td)
	}
	var fileDeps []int
	for _, ah := range g.Artifacts() {
		a := g.Artifact(ah)
		if a == nil {
			continue
		}
		ad := encodeArtifact(in, a)
		ad.Handle = int(ah)
		doc.Artifacts = append(doc.Artifacts, ad)
		if a.Kind == model.KindFileDependency {
			fileDeps = append(fileDeps, in.intern(a.FilePath))
		}
	}
	doc.FileDependencies = fileDeps
	doc.Strings = in.list

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return diag.Wrap(diag.KindIO, err, "configuring CBOR encoder")
	}
	buf, err := enc.Marshal(doc)
	if err != nil {
		return diag.Wrap(diag.KindIO, err, "encoding build graph")
	}
	if _, err := w.Write(buf); err != nil {
		return diag.Wrap(diag.KindIO, err, "writing build graph")
	}
	return nil
}

// Loaded is the result of a successful Load: the reconstructed graph
// plus the head block so the caller (internal/loader) can compare it
// against a freshly resolved configuration.
type Loaded struct {
	Graph *graph.Graph
	Head  HeadBlock
}

// Load reads and reconstructs a graph previously written by Store. All
// transient artifact fields (BuildState, InputsScanned,
// TimestampRetrieved) come back zero.
func Load(r io.Reader) (*Loaded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &FormatError{Cause: err}
	}
	if len(data) == 0 {
		return nil, &FormatError{Cause: fmt.Errorf("empty build graph file")}
	}

	var doc fileOnDisk
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{Cause: err}
	}
	if doc.Head.Version != formatVersion {
		return nil, &FormatError{Cause: fmt.Errorf(
			"unsupported build graph format version %d (want %d)", doc.Head.Version, formatVersion)}
	}

	strs := doc.Strings
	str := func(id int) string {
		if id < 0 || id >= len(strs) {
			return ""
		}
		return strs[id]
	}
	tagSet := func(d tagSetDTO) model.TagSet {
		ts := model.NewTagSet()
		for _, id := range d {
			ts[model.FileTag(str(id))] = struct{}{}
		}
		return ts
	}

	g := graph.New()

	// Every old->new map below is keyed by the *original* handle value
	// stored in each DTO's Handle field, not by its position in the
	// slice: artifacts and transformers can have gaps (removed entries
	// are simply absent from Graph.Artifacts()/Transformers()), so
	// position and original handle diverge as soon as anything has ever
	// been removed from the graph that was stored.
	ruleByOldIdx := make(map[int]model.RuleHandle, len(doc.Rules))
	for _, rd := range doc.Rules {
		r := decodeRule(str, tagSet, rd)
		h := g.AddRule(r)
		ruleByOldIdx[rd.Handle] = h
	}

	productByOldIdx := make(map[int]model.ProductHandle, len(doc.Products))
	for _, pd := range doc.Products {
		p := decodeProduct(str, tagSet, pd, ruleByOldIdx)
		h := g.AddProduct(p)
		productByOldIdx[pd.Handle] = h
	}
	// A second pass fixes up DependsOn now that every product has a handle.
	for _, pd := range doc.Products {
		p := g.Product(productByOldIdx[pd.Handle])
		p.DependsOn = p.DependsOn[:0]
		for _, oldIdx := range pd.DependsOn {
			p.DependsOn = append(p.DependsOn, productByOldIdx[oldIdx])
		}
	}

	transformerByOldIdx := make(map[int]model.TransformerHandle, len(doc.Transformers))
	for _, td := range doc.Transformers {
		t := decodeTransformerShell(str, ruleByOldIdx, td)
		h := g.AddTransformer(t)
		transformerByOldIdx[td.Handle] = h
	}

	artifactByOldIdx := make(map[int]model.ArtifactHandle, len(doc.Artifacts))
	for _, ad := range doc.Artifacts {
		a := decodeArtifactShell(str, tagSet, productByOldIdx, ad)
		h, err := g.AddArtifact(a)
		if err != nil {
			return nil, diag.Wrap(diag.KindGraphInvariant, err, "loading build graph")
		}
		artifactByOldIdx[ad.Handle] = h
	}

	// Edges and transformer input/output/artifact back-references are
	// resolved in a second pass, since earlier passes only know
	// old-index -> new-handle after every artifact exists.
	for _, ad := range doc.Artifacts {
		a := g.Artifact(artifactByOldIdx[ad.Handle])
		for _, oldIdx := range ad.Parents {
			a.Parents.Add(artifactByOldIdx[oldIdx])
		}
		for _, oldIdx := range ad.Children {
			a.Children.Add(artifactByOldIdx[oldIdx])
		}
		for _, oldIdx := range ad.ScannerEdges {
			a.ChildrenAddedByScanner[artifactByOldIdx[oldIdx]] = struct{}{}
		}
		for _, oldIdx := range ad.FileDeps {
			a.FileDependencies[artifactByOldIdx[oldIdx]] = struct{}{}
		}
		if ad.Transformer > 0 {
			a.Transformer = transformerByOldIdx[ad.Transformer]
		}
	}
	for _, td := range doc.Transformers {
		t := g.Transformer(transformerByOldIdx[td.Handle])
		for _, oldIdx := range td.Inputs {
			t.Inputs.Add(artifactByOldIdx[oldIdx])
		}
		for _, oldIdx := range td.Outputs {
			t.Outputs.Add(artifactByOldIdx[oldIdx])
		}
	}
	for _, pd := range doc.Products {
		p := g.Product(productByOldIdx[pd.Handle])
		for _, oldIdx := range pd.Artifacts {
			p.Artifacts = append(p.Artifacts, artifactByOldIdx[oldIdx])
		}
		for _, oldIdx := range pd.TargetArtifacts {
			p.TargetArtifacts = append(p.TargetArtifacts, artifactByOldIdx[oldIdx])
		}
	}

	g.ClearDirty()
	return &Loaded{Graph: g, Head: doc.Head}, nil
}

func encodeRule(in *interner, r *model.Rule) ruleDTO {
	dto := ruleDTO{
		Kind:                int(r.Kind),
		NameID:              in.intern(r.Name),
		Location:            r.Location,
		Inputs:              in.tagSet(r.Inputs),
		AuxiliaryInputs:     in.tagSet(r.AuxiliaryInputs),
		Usings:              in.tagSet(r.Usings),
		ExplicitlyDependsOn: in.tagSet(r.ExplicitlyDependsOn),
		PrepareScriptSrcID:  in.intern(r.PrepareScriptSource),
		PrepareScriptLoc:    r.PrepareScriptLocation,
		Multiplex:           r.Multiplex,
		ModuleID:            in.intern(r.Module),
	}
	for _, a := range r.Artifacts {
		tmpl := ruleArtifactTemplateDTO{
			FileNameExprID: in.intern(a.FileNameExpression),
			Tags:           in.tagSet(a.Tags),
			AlwaysUpdated:  a.AlwaysUpdated,
		}
		for _, b := range a.Bindings {
			tmpl.Bindings = append(tmpl.Bindings, bindingDTO{
				QualifiedNameID: in.intern(b.QualifiedName),
				ExpressionID:    in.intern(b.Expression),
				Location:        b.Location,
			})
		}
		dto.Artifacts = append(dto.Artifacts, tmpl)
	}
	return dto
}

func decodeRule(str func(int) string, tagSet func(tagSetDTO) model.TagSet, d ruleDTO) *model.Rule {
	r := &model.Rule{
		Kind:                  model.RuleKind(d.Kind),
		Name:                  str(d.NameID),
		Location:              d.Location,
		Inputs:                tagSet(d.Inputs),
		AuxiliaryInputs:       tagSet(d.AuxiliaryInputs),
		Usings:                tagSet(d.Usings),
		ExplicitlyDependsOn:   tagSet(d.ExplicitlyDependsOn),
		PrepareScriptSource:   str(d.PrepareScriptSrcID),
		PrepareScriptLocation: d.PrepareScriptLoc,
		Multiplex:             d.Multiplex,
		Module:                str(d.ModuleID),
	}
	for _, tmpl := range d.Artifacts {
		t := model.RuleArtifactTemplate{
			FileNameExpression: str(tmpl.FileNameExprID),
			Tags:               tagSet(tmpl.Tags),
			AlwaysUpdated:      tmpl.AlwaysUpdated,
		}
		for _, b := range tmpl.Bindings {
			t.Bindings = append(t.Bindings, model.PropertyBinding{
				QualifiedName: str(b.QualifiedNameID),
				Expression:    str(b.ExpressionID),
				Location:      b.Location,
			})
		}
		r.Artifacts = append(r.Artifacts, t)
	}
	return r
}

func encodeProduct(in *interner, p *model.Product) productDTO {
	dto := productDTO{
		NameID:  in.intern(p.Name),
		OwnTags: in.tagSet(p.OwnTags),
		Enabled: p.Enabled,
	}
	for _, rh := range p.Rules {
		dto.Rules = append(dto.Rules, int(rh))
	}
	for _, ft := range p.FileTaggers {
		dto.FileTaggers = append(dto.FileTaggers, fileTaggerDTO{
			PatternID: in.intern(ft.Pattern),
			Tags:      in.tagSet(ft.Tags),
		})
	}
	dto.Properties = encodeProperties(in, p.Properties)
	for _, dh := range p.DependsOn {
		dto.DependsOn = append(dto.DependsOn, int(dh))
	}
	for _, ah := range p.Artifacts {
		dto.Artifacts = append(dto.Artifacts, int(ah))
	}
	for _, ah := range p.TargetArtifacts {
		dto.TargetArtifacts = append(dto.TargetArtifacts, int(ah))
	}
	return dto
}

func decodeProduct(str func(int) string, tagSet func(tagSetDTO) model.TagSet, d productDTO, ruleByOldIdx map[int]model.RuleHandle) *model.Product {
	p := &model.Product{
		Name:       str(d.NameID),
		OwnTags:    tagSet(d.OwnTags),
		Enabled:    d.Enabled,
		Properties: decodeProperties(str, d.Properties),
	}
	for _, oldIdx := range d.Rules {
		p.Rules = append(p.Rules, ruleByOldIdx[oldIdx])
	}
	for _, ft := range d.FileTaggers {
		p.FileTaggers = append(p.FileTaggers, model.FileTagger{
			Pattern: str(ft.PatternID),
			Tags:    tagSet(ft.Tags),
		})
	}
	// DependsOn, Artifacts, and TargetArtifacts are fixed up by the
	// caller once every product/artifact handle is known; DependsOn gets
	// one placeholder slot per stored entry so the second pass can
	// overwrite by index instead of appending.
	p.DependsOn = make([]model.ProductHandle, len(d.DependsOn))
	return p
}

func encodeTransformer(in *interner, t *model.Transformer) transformerDTO {
	dto := transformerDTO{Rule: int(t.Rule)}
	for _, h := range t.Inputs.Ordered() {
		dto.Inputs = append(dto.Inputs, int(h))
	}
	for _, h := range t.Outputs.Ordered() {
		dto.Outputs = append(dto.Outputs, int(h))
	}
	for _, c := range t.Commands {
		dto.Commands = append(dto.Commands, encodeCommand(in, c))
	}
	for _, a := range t.PropertiesFromProduct {
		dto.PropertiesFromProduct = append(dto.PropertiesFromProduct, encodeAccess(in, a))
	}
	for _, a := range t.PropertiesFromArtifact {
		dto.PropertiesFromArtifact = append(dto.PropertiesFromArtifact, encodeAccess(in, a))
	}
	return dto
}

func decodeTransformerShell(str func(int) string, ruleByOldIdx map[int]model.RuleHandle, d transformerDTO) *model.Transformer {
	t := model.NewTransformer(model.InvalidTransformerHandle, ruleByOldIdx[d.Rule])
	for _, cd := range d.Commands {
		t.Commands = append(t.Commands, decodeCommand(str, cd))
	}
	for _, a := range d.PropertiesFromProduct {
		t.PropertiesFromProduct = append(t.PropertiesFromProduct, decodeAccess(str, a))
	}
	for _, a := range d.PropertiesFromArtifact {
		t.PropertiesFromArtifact = append(t.PropertiesFromArtifact, decodeAccess(str, a))
	}
	return t
}

func encodeCommand(in *interner, c model.Command) commandDTO {
	var dto commandDTO
	if c.Process != nil {
		p := c.Process
		env := make(map[int]int, len(p.Env))
		for _, k := range sortedKeys(p.Env) {
			env[in.intern(k)] = in.intern(p.Env[k])
		}
		args := make([]int, 0, len(p.Args))
		for _, a := range p.Args {
			args = append(args, in.intern(a))
		}
		dto.Process = &processCommandDTO{
			ProgramID:     in.intern(p.Program),
			ArgIDs:        args,
			WorkingDirID:  in.intern(p.WorkingDir),
			Env:           env,
			MaxExitCode:   p.MaxExitCode,
			FilterSrcID:   in.intern(p.FilterSource),
			RespThreshold: p.ResponseFileThreshold,
			RespPrefixID:  in.intern(p.ResponseFileUsagePrefix),
		}
	}
	if c.Script != nil {
		s := c.Script
		props := make(map[int]int, len(s.Properties))
		for _, k := range sortedKeys(s.Properties) {
			props[in.intern(k)] = in.intern(s.Properties[k])
		}
		dto.Script = &scriptCommandDTO{
			SourceID:   in.intern(s.Source),
			Properties: props,
			Location:   s.Location,
		}
	}
	return dto
}

func decodeCommand(str func(int) string, d commandDTO) model.Command {
	var c model.Command
	if d.Process != nil {
		p := d.Process
		args := make([]string, 0, len(p.ArgIDs))
		for _, id := range p.ArgIDs {
			args = append(args, str(id))
		}
		env := make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			env[str(k)] = str(v)
		}
		c.Process = &model.ProcessCommand{
			Program:                 str(p.ProgramID),
			Args:                    args,
			WorkingDir:              str(p.WorkingDirID),
			Env:                     env,
			MaxExitCode:             p.MaxExitCode,
			FilterSource:            str(p.FilterSrcID),
			ResponseFileThreshold:   p.RespThreshold,
			ResponseFileUsagePrefix: str(p.RespPrefixID),
		}
	}
	if d.Script != nil {
		s := d.Script
		props := make(map[string]string, len(s.Properties))
		for k, v := range s.Properties {
			props[str(k)] = str(v)
		}
		c.Script = &model.ScriptCommand{
			Source:     str(s.SourceID),
			Properties: props,
			Location:   s.Location,
		}
	}
	return c
}

func encodeAccess(in *interner, a props.Access) propAccessDTO {
	dto := propAccessDTO{Kind: int(a.Kind), NameID: in.intern(a.Name)}
	if j, err := ctyjson.Marshal(a.Value, a.Value.Type()); err == nil {
		dto.JSON = j
	}
	return dto
}

func decodeAccess(str func(int) string, d propAccessDTO) props.Access {
	a := props.Access{Kind: props.AccessKind(d.Kind), Name: str(d.NameID)}
	if len(d.JSON) > 0 {
		var sv ctyjson.SimpleJSONValue
		if err := sv.UnmarshalJSON(d.JSON); err == nil {
			a.Value = sv.Value
		}
	}
	return a
}

func encodeProperties(in *interner, m *props.Map) []propertyDTO {
	if m == nil {
		return nil
	}
	var out []propertyDTO
	for _, name := range m.Names() {
		v := m.Get(name)
		j, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			continue
		}
		out = append(out, propertyDTO{NameID: in.intern(name), JSON: j})
	}
	return out
}

func decodeProperties(str func(int) string, ds []propertyDTO) *props.Map {
	m := props.New()
	for _, d := range ds {
		var sv ctyjson.SimpleJSONValue
		if err := sv.UnmarshalJSON(d.JSON); err != nil {
			continue
		}
		m.Set(str(d.NameID), sv.Value)
	}
	return m
}

func encodeArtifact(in *interner, a *model.Artifact) artifactDTO {
	dto := artifactDTO{
		Product:       int(a.Product),
		FilePathID:    in.intern(a.FilePath),
		Kind:          int(a.Kind),
		FileTags:      in.tagSet(a.FileTags),
		Properties:    encodeProperties(in, a.Properties),
		Transformer:   int(a.Transformer),
		AlwaysUpdated: a.AlwaysUpdated,
	}
	if !a.Timestamp.IsZero() {
		dto.TimestampUnix = a.Timestamp.Unix()
	}
	if !a.AuxTimestamp.IsZero() {
		dto.AuxTimestamp = a.AuxTimestamp.Unix()
	}
	for _, h := range a.Parents.Ordered() {
		dto.Parents = append(dto.Parents, int(h))
	}
	for _, h := range a.Children.Ordered() {
		dto.Children = append(dto.Children, int(h))
	}
	dto.ScannerEdges = sortedHandles(a.ChildrenAddedByScanner)
	dto.FileDeps = sortedHandles(a.FileDependencies)
	return dto
}

func decodeArtifactShell(str func(int) string, tagSet func(tagSetDTO) model.TagSet, productByOldIdx map[int]model.ProductHandle, d artifactDTO) *model.Artifact {
	product := model.InvalidProductHandle
	if d.Product > 0 {
		product = productByOldIdx[d.Product]
	}
	a := model.NewArtifact(model.InvalidArtifactHandle, product, str(d.FilePathID), model.ArtifactKind(d.Kind))
	a.FileTags = tagSet(d.FileTags)
	a.Properties = decodeProperties(str, d.Properties)
	a.AlwaysUpdated = d.AlwaysUpdated
	if d.TimestampUnix > 0 {
		a.Timestamp = time.Unix(d.TimestampUnix, 0).UTC()
	}
	if d.AuxTimestamp > 0 {
		a.AuxTimestamp = time.Unix(d.AuxTimestamp, 0).UTC()
	}
	// BuildState/InputsScanned/TimestampRetrieved stay at their zero
	// values: transient fields are never persisted.
	return a
}
