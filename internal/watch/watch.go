// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package watch feeds the executor's explicit changed-files leaf set from
// filesystem events: it watches the directories containing a project's
// source artifacts and emits debounced batches of changed paths, which a
// caller passes straight into exec.Options.ChangedFiles.
package watch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opentofu-labs/buildgraph/internal/bglog"
	"github.com/opentofu-labs/buildgraph/internal/graph"
	"github.com/opentofu-labs/buildgraph/internal/model"
)

// DefaultDebounce is how long the watcher waits after the most recent
// event before emitting the batch; each new event restarts the wait.
// Editors commonly write a file
// several times in quick succession; one rebuild per save is enough.
const DefaultDebounce = 250 * time.Millisecond

// Watcher observes the source directories of a build graph.
type Watcher struct {
	fsw      *fsnotify.Watcher
	known    map[string]bool
	debounce time.Duration
}

// New constructs a Watcher over every directory that contains a source
// artifact of g. Paths outside those directories are ignored even if the
// operating system reports events for them.
func New(g *graph.Graph, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{fsw: fsw, known: make(map[string]bool), debounce: debounce}

	dirs := make(map[string]bool)
	for _, h := range g.Artifacts() {
		a := g.Artifact(h)
		if a == nil || a.Kind != model.KindSource {
			continue
		}
		w.known[a.FilePath] = true
		dirs[a.DirPath()] = true
	}
	log := bglog.Named("watch")
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			log.Warn("cannot watch directory", "dir", d, "error", err)
		}
	}
	return w, nil
}

// Close releases the underlying OS watches.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run blocks until ctx is done, invoking onBatch with each debounced
// batch of changed source file paths. Write and create events count as
// changes; renames and removals do too, since the loader's wildcard
// drift check is what decides whether the file list itself changed.
func (w *Watcher) Run(ctx context.Context, onBatch func(changed []string)) error {
	var pending []string
	seen := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		seen = make(map[string]bool)
		onBatch(batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return nil
			}
			if !w.known[ev.Name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if !seen[ev.Name] {
				seen[ev.Name] = true
				pending = append(pending, ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush()
				return nil
			}
			bglog.Named("watch").Warn("watch error", "error", err)
		}
	}
}
