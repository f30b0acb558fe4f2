package objects

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Entry is one object registered during a run.
type Entry struct {
	// Key is the full object key, "<id>[:<version>]".
	Key string

	// ID is the stable part of the key; derived from Key when empty.
	ID string

	Object Object

	// NodeClass is the class name of the producing node.
	NodeClass string

	// View is true when the producing node is flagged for visual output.
	View bool
}

// Diff summarises how the set of registered object ids changed between two runs.
type Diff struct {
	Added   []string
	Removed []string
	Kept    []string
}

// Changed reports whether any id appeared or disappeared.
func (d Diff) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// MakeID builds the stable object id of an output slot.
func MakeID(uuidPath, slot string) string {
	return uuidPath + "/" + slot
}

// MakeKey appends the viewport-edit version to an object id.
func MakeKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

// IDOf returns the id part of a key, the text before the first ':'.
func IDOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Registry is the process-wide table of objects produced by the current run.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	current map[string]Entry
	last    map[string]struct{}
	removed []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		current: make(map[string]Entry),
		last:    make(map[string]struct{}),
	}
}

// BeginRun remembers the ids of the previous run and starts an empty table.
func (r *Registry) BeginRun() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = make(map[string]struct{}, len(r.current))
	for _, e := range r.current {
		r.last[e.ID] = struct{}{}
	}
	r.current = make(map[string]Entry)
}

// Register records an object. A later registration of the same key wins.
func (r *Registry) Register(e Entry) {
	if e.ID == "" {
		e.ID = IDOf(e.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[e.Key] = e
}

// EndRun compares this run's ids against the previous run.
func (r *Registry) EndRun() Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]struct{}, len(r.current))
	for _, e := range r.current {
		ids[e.ID] = struct{}{}
	}

	var d Diff
	for id := range ids {
		if _, ok := r.last[id]; ok {
			d.Kept = append(d.Kept, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range r.last {
		if _, ok := ids[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Kept)

	r.removed = d.Removed
	return d
}

// RemovedSinceLastRun returns the ids that disappeared in the most recent EndRun.
func (r *Registry) RemovedSinceLastRun() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.removed...)
}

// Lookup returns the entry registered under key in the current run.
func (r *Registry) Lookup(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.current[key]
	return e, ok
}

// Len returns the number of entries in the current run.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current)
}

// Entries returns every entry of the current run sorted by key.
func (r *Registry) Entries() []Entry {
	return r.collect(func(Entry) bool { return true })
}

// ViewEntries returns the entries produced by view-flagged nodes, sorted by key.
func (r *Registry) ViewEntries() []Entry {
	return r.collect(func(e Entry) bool { return e.View })
}

func (r *Registry) collect(keep func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.current))
	for _, e := range r.current {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear drops every entry, including the previous-run snapshot.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = make(map[string]Entry)
	r.last = make(map[string]struct{})
	r.removed = nil
}
