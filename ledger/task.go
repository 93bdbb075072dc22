package ledger

import "sync"

// ZoneUsage counts the bytes a task allocated from and returned to one zone
type ZoneUsage struct {
	Alloc uint64
	Free  uint64
}

// Task is the accounting view of a task: its ledger and per-zone usage.
type Task struct {
	Name   string
	Ledger *Ledger

	mu    sync.Mutex
	zinfo []ZoneUsage
}

// NewTask creates a task with a fresh ledger
func NewTask(name string) *Task {
	return &Task{
		Name:   name,
		Ledger: New(EntryPrivate, EntryShared),
	}
}

var kernelTask = NewTask("kernel_task")

// Kernel returns the kernel task
func Kernel() *Task {
	return kernelTask
}

func (t *Task) slotLocked(index int) *ZoneUsage {
	if index >= len(t.zinfo) {
		grown := make([]ZoneUsage, index+1)
		copy(grown, t.zinfo)
		t.zinfo = grown
	}
	return &t.zinfo[index]
}

// RecordAlloc adds bytes to the alloc counter of zone index. Negative
// indexes are ignored.
func (t *Task) RecordAlloc(index int, bytes uint64) {
	if index < 0 {
		return
	}
	t.mu.Lock()
	t.slotLocked(index).Alloc += bytes
	t.mu.Unlock()
}

// RecordFree adds bytes to the free counter of zone index. Negative indexes
// are ignored.
func (t *Task) RecordFree(index int, bytes uint64) {
	if index < 0 {
		return
	}
	t.mu.Lock()
	t.slotLocked(index).Free += bytes
	t.mu.Unlock()
}

// Usage returns the counters of zone index
func (t *Task) Usage(index int) ZoneUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.zinfo) {
		return ZoneUsage{}
	}
	return t.zinfo[index]
}
