// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package props implements the shared, evaluated property maps attached
// to artifacts and products, using github.com/zclconf/go-cty to represent
// resolved configuration values.
package props

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctymsgpack "github.com/zclconf/go-cty/cty/msgpack"
)

// Map is an evaluated module/product configuration: a flat namespace of
// dotted module-qualified property names (e.g. "cpp.includePaths") to
// cty values.
//
// Multiple artifacts commonly share one *Map handle (the product-wide
// configuration); an artifact-local override clones the handle first
// (see Clone) so that binding a rule-artifact template's property never mutates a sibling artifact's view of the same module.
type Map struct {
	values map[string]cty.Value
}

// New constructs an empty property map.
func New() *Map {
	return &Map{values: make(map[string]cty.Value)}
}

// Get returns the value of the qualified property name, or cty.NilVal if
// it is unset.
func (m *Map) Get(qualifiedName string) cty.Value {
	if m == nil {
		return cty.NilVal
	}
	if v, ok := m.values[qualifiedName]; ok {
		return v
	}
	return cty.NilVal
}

// Set assigns the value of a qualified property name, overwriting any
// existing value.
func (m *Map) Set(qualifiedName string, v cty.Value) {
	m.values[qualifiedName] = v
}

// Has reports whether the qualified property name has an assigned value.
func (m *Map) Has(qualifiedName string) bool {
	_, ok := m.values[qualifiedName]
	return ok
}

// Clone returns an independent copy of the map, used to give a freshly
// created output artifact its own per-artifact override of a product-wide
// property map.
func (m *Map) Clone() *Map {
	clone := &Map{values: make(map[string]cty.Value, len(m.values))}
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}

// Names returns the qualified property names present in the map, sorted
// for deterministic iteration.
func (m *Map) Names() []string {
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StringListProperty reads a qualified property expected to hold a list of
// strings, such as "cpp.includePaths", returning nil if it is
// unset or not a list of strings.
func (m *Map) StringListProperty(qualifiedName string) []string {
	v := m.Get(qualifiedName)
	if v == cty.NilVal || v.IsNull() || !v.Type().IsListType() && !v.Type().IsTupleType() && !v.Type().IsSetType() {
		return nil
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.Type() == cty.String && !ev.IsNull() {
			out = append(out, ev.AsString())
		}
	}
	return out
}

// Fingerprint returns a stable hash of the map's contents, unchanged by
// any number of store/load cycles. It is computed by message-pack encoding each
// (name, value) pair in sorted-name order and hashing the concatenation,
// so the result depends only on the logical contents of the map and not
// on Go map iteration order or allocation history.
func (m *Map) Fingerprint() ([32]byte, error) {
	h := sha256.New()
	for _, name := range m.Names() {
		v := m.values[name]
		raw, err := ctymsgpack.Marshal(v, v.Type())
		if err != nil {
			return [32]byte{}, fmt.Errorf("property %q is not serializable: %w", name, err)
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(raw)
		h.Write([]byte{0})
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Access records one (module, property) tuple read from a property map
// during prepare-script evaluation, so the rule applicator can tell
// exactly which properties a transformer's commands depend on.
type Access struct {
	// Kind distinguishes a read of a product-level property from a read
	// of a property local to one output artifact.
	Kind  AccessKind
	Name  string
	Value cty.Value
}

// AccessKind distinguishes the two property read sites tracked
// separately for change detection.
type AccessKind int

const (
	AccessFromProduct AccessKind = iota
	AccessFromArtifact
)

// Recorder wraps a *Map so that every Get call is also appended to an
// access log: the explicit property-access context handed to the script
// VM in place of a global observer callback.
type Recorder struct {
	kind     AccessKind
	m        *Map
	accessed []Access
}

// NewRecorder wraps m so that reads performed via the returned Recorder
// are tracked.
func NewRecorder(kind AccessKind, m *Map) *Recorder {
	return &Recorder{kind: kind, m: m}
}

// Get reads a qualified property and records the access.
func (r *Recorder) Get(qualifiedName string) cty.Value {
	v := r.m.Get(qualifiedName)
	r.accessed = append(r.accessed, Access{Kind: r.kind, Name: qualifiedName, Value: v})
	return v
}

// Accesses returns every property access recorded so far, in read order.
func (r *Recorder) Accesses() []Access {
	return r.accessed
}
