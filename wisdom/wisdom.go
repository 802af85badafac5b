// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wisdom implements the optional JSON "wisdom" file (spec
// section 6): per-tasktype execution-time statistics, loaded at
// startup and written at shutdown, purely advisory for scheduling
// predictions. Nothing in this package ever blocks a task on its own
// account -- a missing, corrupt, or unwritable file degrades to "no
// prediction available," never to an error that aborts a run.
package wisdom

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
)

// emaAlpha weights each new sample against an entry's running mean.
// Chosen to track recent behavior (a tasktype whose cost profile
// shifts converges within a handful of samples) without letting a
// single outlier dominate the prediction.
const emaAlpha = 0.2

// Entry is one tasktype's recorded wisdom: a normalized mean cost plus
// a rolling average per named counter, exactly the shape spec section
// 6 names ("key: tasktype label, value: normalized mean cost and
// per-counter rolling averages").
type Entry struct {
	MeanCost float64            `json:"mean_cost"`
	Counters map[string]float64 `json:"counters,omitempty"`
	Samples  uint64             `json:"samples"`
}

// Book is the in-memory wisdom table for one run: loaded at most once
// from path, updated through Record, and written back out at
// shutdown.
type Book struct {
	path string

	load once.Once

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewBook constructs a Book backed by path. An empty path disables
// persistence entirely: Load and Save both become no-ops, and Record/
// Predict still work purely in memory for the lifetime of the run.
func NewBook(path string) *Book {
	return &Book{path: path, entries: make(map[string]*Entry)}
}

// Load reads the wisdom file, if any, into memory. It is safe to call
// concurrently or more than once; the file is actually read at most
// once. A missing file is not an error -- a fresh run simply starts
// with no wisdom. A malformed file is logged and otherwise ignored,
// since wisdom is advisory and must never block startup.
func (b *Book) Load() error {
	return b.load.Do(func() error {
		if b.path == "" {
			return nil
		}
		data, err := ioutil.ReadFile(b.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			log.Error.Printf("taskrt/wisdom: reading %s: %v", b.path, err)
			return nil
		}
		var raw map[string]*Entry
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Error.Printf("taskrt/wisdom: parsing %s: %v", b.path, err)
			return nil
		}
		b.mu.Lock()
		for label, e := range raw {
			if e != nil {
				b.entries[label] = e
			}
		}
		b.mu.Unlock()
		return nil
	})
}

// Save writes the current wisdom table back to path. A no-op if the
// Book was constructed with no path. Errors are returned (not merely
// logged): a caller performing an orderly shutdown may want to know a
// wisdom file failed to persist, even though it never affects the run
// in progress.
func (b *Book) Save() error {
	if b.path == "" {
		return nil
	}
	b.mu.RLock()
	data, err := json.MarshalIndent(b.entries, "", "  ")
	b.mu.RUnlock()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(b.path, data, 0o644)
}

// Record folds one more observed sample for tasktype into its running
// statistics: an exponential moving average for both the normalized
// cost and every named counter. The first sample for a previously
// unseen tasktype seeds the average rather than blending against a
// zero value.
func (b *Book) Record(tasktype string, cost float64, counters map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[tasktype]
	if !ok {
		e = &Entry{Counters: make(map[string]float64, len(counters))}
		b.entries[tasktype] = e
	}
	if e.Samples == 0 {
		e.MeanCost = cost
	} else {
		e.MeanCost += emaAlpha * (cost - e.MeanCost)
	}
	for name, v := range counters {
		if cur, ok := e.Counters[name]; ok {
			e.Counters[name] = cur + emaAlpha*(v-cur)
		} else {
			e.Counters[name] = v
		}
	}
	e.Samples++
}

// Predict returns a copy of tasktype's recorded wisdom, if any. The
// returned Entry is a snapshot: mutating it does not affect the Book.
func (b *Book) Predict(tasktype string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[tasktype]
	if !ok {
		return Entry{}, false
	}
	cp := Entry{MeanCost: e.MeanCost, Samples: e.Samples, Counters: make(map[string]float64, len(e.Counters))}
	for k, v := range e.Counters {
		cp.Counters[k] = v
	}
	return cp, true
}
