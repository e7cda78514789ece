// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package exec

import (
	"context"
	"time"

	"github.com/opentofu-labs/buildgraph/internal/diag"
	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/resolve"
	"github.com/opentofu-labs/buildgraph/internal/rules"
)

// runAutoTagPass is the tag-inferring pre-pass: for every source
// artifact of the selected products whose tags match a scanner that also
// emits tags, read the extra tags and attach them,
// then re-apply the owning product's rules so a rule keyed on a freshly
// inferred tag fires. It deliberately walks product artifact lists rather
// than the reachable set, since the whole point is to pull in files no
// rule has consumed yet.
//
// The pass keys on (artifact path, aux timestamp vs. timestamp): an
// artifact whose AuxTimestamp is at or past its Timestamp was already
// inspected since it last changed, so the pass is idempotent across runs.
func (e *Executor) runAutoTagPass(ctx context.Context, opts Options) diag.Diagnostics {
	var diags diag.Diagnostics
	now := time.Now()
	touchedProducts := make(map[model.ProductHandle]bool)

	products := opts.Products
	if len(products) == 0 {
		products = e.g.Products()
	}
	for _, ph := range products {
		p := e.g.Product(ph)
		if p == nil || !p.Enabled {
			continue
		}
		for _, h := range p.Artifacts {
			a := e.g.Artifact(h)
			if a == nil || a.Kind != model.KindSource {
				continue
			}
			if mt := e.fs.ModTime(a.FilePath); !mt.IsZero() {
				a.Timestamp = mt
			}
			if !a.AuxTimestamp.Before(a.Timestamp) {
				continue
			}
			inferred := e.scanner.InferTags(a.FilePath, a.FileTags)
			a.AuxTimestamp = now
			if len(inferred) == 0 {
				continue
			}
			for _, t := range inferred {
				a.FileTags[t] = struct{}{}
			}
			e.log.Debug("inferred file tags", "file", a.FilePath, "tags", inferred)
			touchedProducts[ph] = true
		}
	}

	for ph := range touchedProducts {
		p := e.g.Product(ph)
		if p == nil || !p.Enabled {
			continue
		}
		buildDir := resolve.BuildDirectory(opts.BuildRoot, p.Name)
		applicator := rules.New(e.g, ph, e.engine)
		diags = diags.Append(applicator.ApplyAll(ctx, p, buildDir))
		if diags.HasErrors() {
			return diags
		}
		// A rule fired by an inferred tag can mint new target artifacts,
		// e.g. an object file the link step must now consume.
		for _, h := range p.Artifacts {
			a := e.g.Artifact(h)
			if a == nil || a.Kind != model.KindGenerated {
				continue
			}
			if tagsIntersect(a.FileTags, p.OwnTags) && !containsHandle(p.TargetArtifacts, h) {
				p.TargetArtifacts = append(p.TargetArtifacts, h)
			}
		}
	}
	return diags
}

func containsHandle(s []model.ArtifactHandle, h model.ArtifactHandle) bool {
	for _, v := range s {
		if v == h {
			return true
		}
	}
	return false
}
