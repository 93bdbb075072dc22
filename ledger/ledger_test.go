package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedger(t *testing.T) {
	l := New(EntryShared)

	l.Charge(EntryShared, 100)
	l.Charge(EntryShared, 50)
	l.Credit(EntryShared, 30)
	assert.Equal(t, int64(120), l.Balance(EntryShared))
	assert.Equal(t, uint64(150), l.Charged(EntryShared))
	assert.Equal(t, uint64(30), l.Credited(EntryShared))

	// Undeclared entries start empty
	assert.Zero(t, l.Balance("other"))
	l.Credit("other", 10)
	assert.Equal(t, int64(-10), l.Balance("other"))
}

func TestLedgerConcurrent(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Charge(EntryPrivate, 16)
				l.Credit(EntryPrivate, 16)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, l.Balance(EntryPrivate))
	assert.Equal(t, uint64(8*1000*16), l.Charged(EntryPrivate))
}

func TestTaskZoneUsage(t *testing.T) {
	task := NewTask("test")

	task.RecordAlloc(3, 4096)
	task.RecordAlloc(3, 100)
	task.RecordFree(3, 4096)
	task.RecordAlloc(-1, 1)

	assert.Equal(t, ZoneUsage{Alloc: 4196, Free: 4096}, task.Usage(3))
	assert.Equal(t, ZoneUsage{}, task.Usage(0))
	assert.Equal(t, ZoneUsage{}, task.Usage(10))
	assert.Equal(t, ZoneUsage{}, task.Usage(-1))
}

func TestKernelTask(t *testing.T) {
	assert.Same(t, Kernel(), Kernel())
	assert.Equal(t, "kernel_task", Kernel().Name)
}
