// ABOUTME: Pending-request table correlating outbound request ids to one-shot result slots.
// ABOUTME: Entries are tagged with the link generation they were sent on.

package upstream

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrDuplicateID indicates the request id is already in flight.
var ErrDuplicateID = errors.New("duplicate request id")

// outcome is what a waiting caller receives.
type outcome struct {
	value json.RawMessage
	err   error
}

type pendingEntry struct {
	ch  chan outcome
	gen uint64
}

// PendingTable maps in-flight request ids to result slots.
// Each entry is removed exactly once: by Resolve, by Remove, or by a Fail call.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]pendingEntry)}
}

// Register creates the slot for id, sent on link generation gen.
func (p *PendingTable) Register(id string, gen uint64) (<-chan outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return nil, ErrDuplicateID
	}
	ch := make(chan outcome, 1)
	p.entries[id] = pendingEntry{ch: ch, gen: gen}
	return ch, nil
}

// Resolve pops the entry for id and delivers the outcome to it.
// Returns false when no entry matches, in which case the outcome is dropped.
func (p *PendingTable) Resolve(id string, value json.RawMessage, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[id]
	if !ok {
		return false
	}
	delete(p.entries, id)
	// The slot is buffered and written once, so this never blocks.
	entry.ch <- outcome{value: value, err: err}
	return true
}

// Remove drops the entry for id without delivering anything.
// Returns false if the entry was already resolved, in which case the
// outcome is waiting in the caller's slot.
func (p *PendingTable) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	return true
}

// FailGeneration rejects every entry sent on link generation gen.
// Entries sent on a newer link are left alone. Returns the number failed.
func (p *PendingTable) FailGeneration(gen uint64, err error) int {
	return p.fail(err, func(e pendingEntry) bool { return e.gen == gen })
}

// FailAll rejects every entry. Returns the number failed.
func (p *PendingTable) FailAll(err error) int {
	return p.fail(err, func(pendingEntry) bool { return true })
}

func (p *PendingTable) fail(err error, match func(pendingEntry) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for id, entry := range p.entries {
		if !match(entry) {
			continue
		}
		delete(p.entries, id)
		entry.ch <- outcome{err: err}
		n++
	}
	return n
}

// Len returns the number of in-flight requests.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
