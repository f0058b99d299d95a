package links

import (
	"sync"

	"github.com/wasmcloud/lattice/pkg/types"
)

// Table is the in-memory link index, links[source_id]. The authoritative
// copy derives from the component spec documents, the state watcher
// overwrites entries as specs change.
type Table struct {
	mu    sync.RWMutex
	links map[string][]*types.Link
}

// NewTable creates an empty link table
func NewTable() *Table {
	return &Table{links: make(map[string][]*types.Link)}
}

// Replace overwrites the link list for a source id
func (t *Table) Replace(sourceID string, links []*types.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[sourceID] = links
}

// For returns the links whose source is sourceID
func (t *Table) For(sourceID string) []*types.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*types.Link(nil), t.links[sourceID]...)
}

// Involving returns every link where id is the source or the target
func (t *Table) Involving(id string) []*types.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*types.Link
	for _, links := range t.links {
		for _, l := range links {
			if l.SourceID == id || l.Target == id {
				out = append(out, l)
			}
		}
	}
	return out
}

// Contains reports whether an identical link record is already indexed for
// a source or target the link involves
func (t *Table) Contains(link *types.Link) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sourceID, links := range t.links {
		if sourceID != link.SourceID && sourceID != link.Target {
			continue
		}
		for _, l := range links {
			if l.Equal(link) {
				return true
			}
		}
	}
	return false
}

// All returns every indexed link
func (t *Table) All() []*types.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*types.Link
	for _, links := range t.links {
		out = append(out, links...)
	}
	return out
}
