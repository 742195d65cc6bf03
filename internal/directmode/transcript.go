package directmode

import "sync"

// Transcript keeps responses the way a UI shows them: appended in order,
// with updates replacing the entry they refer to.
type Transcript struct {
	mu      sync.Mutex
	entries []Response
	index   map[string]int
}

// Apply adds or replaces one response. An update whose id is unknown is
// appended.
func (t *Transcript) Apply(resp Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.index == nil {
		t.index = make(map[string]int)
	}
	if resp.IsUpdate {
		if i, ok := t.index[resp.ID]; ok {
			t.entries[i] = resp
			return
		}
	}
	t.index[resp.ID] = len(t.entries)
	t.entries = append(t.entries, resp)
}

// Entries returns a copy of the current entries.
func (t *Transcript) Entries() []Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Response(nil), t.entries...)
}

// Len is the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.index = nil
}
