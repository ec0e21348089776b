package tagger

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is one id -> source location mapping.
type Entry struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	ElementName string `json:"elementName"`
}

// SourceMap is the id <-> location map maintained by the transform.
// The transform is the single writer; HTTP readers observe a snapshot.
// Re-transforming a file atomically drops that file's old entries before
// inserting the new ones, so readers never see a torn entry.
type SourceMap struct {
	mu      sync.RWMutex
	entries map[string]Entry    // id -> entry
	byFile  map[string][]string // file -> ids recorded for that file
}

// NewSourceMap creates an empty SourceMap.
func NewSourceMap() *SourceMap {
	return &SourceMap{
		entries: make(map[string]Entry),
		byFile:  make(map[string][]string),
	}
}

// ReplaceFile drops all entries previously recorded for file and inserts
// the new ones in a single critical section.
func (m *SourceMap) ReplaceFile(file string, entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.byFile[file] {
		delete(m.entries, id)
	}
	delete(m.byFile, file)

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		m.entries[e.ID] = e
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		m.byFile[file] = ids
	}
}

// Lookup returns the entry for id. A trailing runtime "-<n>" loop suffix
// is stripped before lookup so dynamic loop ids resolve to their base.
func (m *SourceMap) Lookup(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[id]; ok {
		return e, true
	}
	if base, ok := dynamicSuffix(id); ok {
		e, found := m.entries[base]
		return e, found
	}
	return Entry{}, false
}

// ByFile returns all entries recorded for file, in record order.
func (m *SourceMap) ByFile(file string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byFile[file]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns the whole map serialised as JSON plus an ETag derived
// from a fast hash of the serialised bytes.
func (m *SourceMap) Snapshot() (body []byte, etag string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	body, err := json.Marshal(m.entries)
	if err != nil {
		// map[string]Entry cannot fail to marshal; keep the contract total.
		return []byte("{}"), `"0"`
	}
	return body, fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(body)))
}

// Len returns the number of recorded entries.
func (m *SourceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
