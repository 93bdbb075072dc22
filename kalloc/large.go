package kalloc

import (
	"sync"
	"sync/atomic"
)

// LargeInfo reports the large path in the same shape as a zone
type LargeInfo struct {
	Count     uint64 // live large allocations
	CurSize   uint64 // bytes in live large allocations
	MaxSize   uint64 // peak of CurSize
	ElemSize  uint64 // mean allocation size
	AllocSize uint64
	SumSize   uint64 // bytes ever allocated
	// Largest is the biggest size ever requested, seeded with the region threshold
	Largest     uint64
	Collectable bool
	Exhaustible bool
	CallerAcct  bool
}

// LargeAccounting holds the counters of the large-allocation path. All
// counters move together under one lock; the free no-op counter is atomic.
type LargeAccounting struct {
	mutex   sync.Mutex
	inUse   uint64
	total   uint64
	peak    uint64
	sum     uint64
	largest uint64

	nopCount atomic.Int64
}

func newLargeAccounting(largest uint64) *LargeAccounting {
	return &LargeAccounting{largest: largest}
}

// record accounts a completed large allocation
func (l *LargeAccounting) record(size uint64) {
	l.mutex.Lock()
	if size > l.largest {
		l.largest = size
	}
	l.inUse++
	l.total += size
	l.sum += size
	if l.total > l.peak {
		l.peak = l.total
	}
	l.mutex.Unlock()
}

// admit reports whether a free of size bytes is plausible. A size beyond
// anything ever requested is counted and refused.
func (l *LargeAccounting) admit(size uint64) bool {
	l.mutex.Lock()
	ok := size <= l.largest
	l.mutex.Unlock()
	if !ok {
		l.nopCount.Add(1)
	}
	return ok
}

// release accounts a completed large free
func (l *LargeAccounting) release(size uint64) {
	l.mutex.Lock()
	l.total -= size
	l.inUse--
	l.mutex.Unlock()
}

// Snapshot returns a consistent copy of the counters
func (l *LargeAccounting) Snapshot() LargeInfo {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	info := LargeInfo{
		Count:   l.inUse,
		CurSize: l.total,
		MaxSize: l.peak,
		SumSize: l.sum,
		Largest: l.largest,
	}
	if l.inUse > 0 {
		info.ElemSize = l.total / l.inUse
		info.AllocSize = info.ElemSize
	}
	return info
}

// FreeNopCount returns how many frees were ignored as implausible
func (l *LargeAccounting) FreeNopCount() int64 {
	return l.nopCount.Load()
}
