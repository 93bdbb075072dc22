// Package ledger records the bytes charged to tasks by the allocators.
package ledger

import "sync"

// Ledger entry names
const (
	// EntryPrivate is charged by zones that bill their callers directly
	EntryPrivate = "tkm_private"
	// EntryShared is charged by kalloc for memory it allocates on a task's behalf
	EntryShared = "tkm_shared"
)

type entry struct {
	charged  uint64
	credited uint64
}

// Ledger holds a set of named charge/credit entries. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a ledger with the given entries. Entries that are not
// declared up front are created on first use.
func New(entries ...string) *Ledger {
	l := &Ledger{entries: make(map[string]*entry, len(entries))}
	for _, name := range entries {
		l.entries[name] = &entry{}
	}
	return l
}

func (l *Ledger) entryLocked(name string) *entry {
	e, ok := l.entries[name]
	if !ok {
		e = &entry{}
		l.entries[name] = e
	}
	return e
}

// Charge adds amount to the entry
func (l *Ledger) Charge(name string, amount uint64) {
	l.mu.Lock()
	l.entryLocked(name).charged += amount
	l.mu.Unlock()
}

// Credit returns amount to the entry
func (l *Ledger) Credit(name string, amount uint64) {
	l.mu.Lock()
	l.entryLocked(name).credited += amount
	l.mu.Unlock()
}

// Balance returns the bytes currently charged to the entry
func (l *Ledger) Balance(name string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	if !ok {
		return 0
	}
	return int64(e.charged - e.credited)
}

// Charged returns the lifetime total charged to the entry
func (l *Ledger) Charged(name string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		return e.charged
	}
	return 0
}

// Credited returns the lifetime total credited to the entry
func (l *Ledger) Credited(name string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		return e.credited
	}
	return 0
}
