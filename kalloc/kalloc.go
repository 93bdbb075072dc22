// Package kalloc is a general-purpose kernel memory allocator.
//
// Requests below the size-class ceiling are rounded up to one of a fixed
// set of element sizes and served by that size's zone. Small sizes are
// resolved through a direct lookup table, the rest by a short upward
// search. Larger requests are reserved straight from virtual memory: from
// a dedicated region when they are moderately large, from the kernel map
// otherwise. The large path keeps usage counters and charges the current
// task's ledger.
//
// Callers must pass the allocation size back on free; nothing records it.
package kalloc

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/shenjiangwei/kalloc/ledger"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/shenjiangwei/kalloc/vm"
	"github.com/shenjiangwei/kalloc/zone"
)

// Allocator is the kalloc instance
type Allocator struct {
	table       *sizeTable
	zones       []*zone.Zone
	pageSize    uint64
	kernelMap   *vm.Map
	largeMap    *vm.Map
	kernmapSize uint64 // large allocations of this size or more skip largeMap
	large       *LargeAccounting

	fakeZoneIndex atomic.Int32
	currentTask   func() *ledger.Task
}

// Block is an allocated address paired with the size it was requested with
type Block struct {
	Addr uint64
	Size uint64
}

// New creates an allocator
func New(cfg Config) (*Allocator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	align, sizes, maxima, err := cfg.table()
	if err != nil {
		return nil, err
	}

	kernelMap := cfg.KernelMap
	if kernelMap == nil {
		kernelMap, err = vm.NewMap("kernel_map", cfg.KernelMapBase, cfg.KernelMapSize, cfg.PageSize)
		if err != nil {
			return nil, errors.Wrap(err, "creating kernel map")
		}
	}

	// Reserve the large-allocation region
	regionSize := cfg.regionSize()
	largeMap, err := kernelMap.Suballoc("kalloc_map", regionSize)
	if err != nil {
		return nil, errors.Wrap(err, "kalloc init: reserving kalloc_map")
	}

	ceiling := cfg.ceiling()
	table, err := newSizeTable(align, sizes, maxima, ceiling)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		table:       table,
		pageSize:    cfg.PageSize,
		kernelMap:   kernelMap,
		largeMap:    largeMap,
		kernmapSize: ceiling*kernmapFactor + 1,
		currentTask: cfg.CurrentTask,
	}
	if a.currentTask == nil {
		a.currentTask = ledger.Kernel
	}
	a.large = newLargeAccounting(a.kernmapSize)
	a.fakeZoneIndex.Store(-1)

	// Allocate a zone for each size we are going to handle, without
	// charging callers: the large path bills explicitly instead.
	for i := range table.classes {
		class := &table.classes[i]
		if class.Size >= ceiling {
			break
		}
		class.Zone = zone.New(class.Name, class.Size, class.MaxElements*class.Size, kernelMap,
			zone.WithIndex(i), zone.WithTask(a.currentTask))
		class.Zone.SetCallerAcct(false)
		a.zones = append(a.zones, class.Zone)
	}

	logger.Info("kalloc: %d zones up to %d bytes, dlut covers %d bytes, search starts at %s, kalloc_map %s",
		len(a.zones), ceiling, table.dlutLimit, table.classes[table.fallbackStart].Name,
		humanize.IBytes(regionSize))
	return a, nil
}

// Alloc allocates size bytes, blocking if the memory has to be reserved
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	return a.allocCanBlock(size, true)
}

// AllocNoBlock allocates size bytes or fails with ErrWouldBlock rather than wait
func (a *Allocator) AllocNoBlock(size uint64) (uint64, error) {
	return a.allocCanBlock(size, false)
}

func (a *Allocator) allocCanBlock(size uint64, canBlock bool) (uint64, error) {
	i := a.table.resolve(size)
	if i < 0 {
		return a.allocLarge(size, canBlock)
	}

	z := a.table.classes[i].Zone
	if size > z.ElemSize() {
		panic(errors.AssertionFailedf("kalloc: zone %s but requested size %d", z.Name(), size))
	}
	addr, err := z.Alloc(canBlock)
	if err != nil {
		if errors.Is(err, zone.ErrWouldBlock) {
			err = errors.Mark(err, ErrWouldBlock)
		}
		return 0, errors.Mark(err, ErrNoMemory)
	}
	return addr, nil
}

// allocLarge reserves size bytes from virtual memory
func (a *Allocator) allocLarge(size uint64, canBlock bool) (uint64, error) {
	// Reserving memory could block
	if !canBlock {
		return 0, errors.Mark(errors.Wrapf(ErrWouldBlock, "large allocation of %d bytes", size), ErrNoMemory)
	}

	allocMap := a.largeMap
	if size >= a.kernmapSize {
		allocMap = a.kernelMap
	}

	addr, err := allocMap.Alloc(size)
	if err != nil && allocMap != a.kernelMap {
		logger.Debug("kalloc_map cannot hold %d bytes, trying kernel_map: %v", size, err)
		addr, err = a.kernelMap.Alloc(size)
	}
	if err != nil {
		logger.Error("Large allocation of %d bytes failed: %v", size, err)
		return 0, errors.Mark(errors.Wrapf(err, "large allocation of %d bytes", size), ErrNoMemory)
	}

	a.large.record(size)
	a.chargeShared(size)
	logger.Debug("Allocated %d bytes at %#x", size, addr)
	return addr, nil
}

// Free releases the block at addr. size must be the size it was allocated with.
func (a *Allocator) Free(addr, size uint64) error {
	i := a.table.resolve(size)
	if i < 0 {
		return a.freeLarge(addr, size)
	}

	z := a.table.classes[i].Zone
	if size > z.ElemSize() {
		panic(errors.AssertionFailedf("kalloc: zone %s but freed size %d", z.Name(), size))
	}
	return z.Free(addr)
}

// freeLarge returns a large allocation to virtual memory
func (a *Allocator) freeLarge(addr, size uint64) error {
	freeMap := a.kernelMap
	if a.largeMap.Contains(addr) {
		freeMap = a.largeMap
	}

	// A size beyond anything ever allocated is bogus, e.g. a stale size
	// read back from memory already returned to a zone. Drop the free.
	if !a.large.admit(size) {
		logger.Warning("Ignoring free of %#x with implausible size %d", addr, size)
		return nil
	}

	if err := freeMap.Free(addr, size); err != nil {
		logger.Error("Large free of %d bytes at %#x failed: %v", size, addr, err)
		return errors.Wrapf(err, "large free of %d bytes", size)
	}

	a.large.release(size)
	a.creditShared(size)
	logger.Debug("Freed %d bytes at %#x", size, addr)
	return nil
}

// AllocBlock allocates size bytes and returns them with their size
func (a *Allocator) AllocBlock(size uint64) (Block, error) {
	addr, err := a.Alloc(size)
	if err != nil {
		return Block{}, err
	}
	return Block{Addr: addr, Size: size}, nil
}

// FreeBlock releases a block obtained from AllocBlock
func (a *Allocator) FreeBlock(b Block) error {
	return a.Free(b.Addr, b.Size)
}

// Cap returns the usable size of the block
func (b Block) Cap(a *Allocator) uint64 {
	return a.Capacity(b.Size)
}

// Capacity returns the usable size of an allocation of size bytes
func (a *Allocator) Capacity(size uint64) uint64 {
	if i := a.table.resolve(size); i >= 0 {
		return a.table.classes[i].Size
	}
	return size
}

// ZoneFor returns the zone serving size, or nil for large sizes
func (a *Allocator) ZoneFor(size uint64) *zone.Zone {
	if i := a.table.resolve(size); i >= 0 {
		return a.table.classes[i].Zone
	}
	return nil
}

// LookupCost returns the size class serving size and the number of
// compares the lookup costs. ok is false for sizes on the large path.
func (a *Allocator) LookupCost(size uint64) (class SizeClass, compares int, ok bool) {
	i, compares, ok := a.table.lookupCost(size)
	if !ok {
		return SizeClass{}, compares, false
	}
	return a.table.classes[i], compares, true
}

func (a *Allocator) chargeShared(size uint64) {
	task := a.currentTask()
	if task == nil {
		return
	}
	task.Ledger.Charge(ledger.EntryShared, size)
	task.RecordAlloc(int(a.fakeZoneIndex.Load()), size)
}

func (a *Allocator) creditShared(size uint64) {
	task := a.currentTask()
	if task == nil {
		return
	}
	task.Ledger.Credit(ledger.EntryShared, size)
	task.RecordFree(int(a.fakeZoneIndex.Load()), size)
}

// SetFakeZoneIndex sets the statistics slot the large path reports under.
// A negative index turns per-task usage counting off.
func (a *Allocator) SetFakeZoneIndex(index int) {
	a.fakeZoneIndex.Store(int32(index))
}

// FakeZoneIndex returns the statistics slot of the large path
func (a *Allocator) FakeZoneIndex() int {
	return int(a.fakeZoneIndex.Load())
}

// FakeZoneInfo reports the large path as if it were a zone
func (a *Allocator) FakeZoneInfo() LargeInfo {
	return a.large.Snapshot()
}

// Large returns the large-path counters
func (a *Allocator) Large() *LargeAccounting {
	return a.large
}

// Collect returns the empty chunks of every zone to the kernel map and
// reports the bytes released.
func (a *Allocator) Collect() uint64 {
	var released uint64
	for _, z := range a.zones {
		released += z.Collect()
	}
	if released > 0 {
		logger.Debug("kalloc: zones released %s", humanize.IBytes(released))
	}
	return released
}

// FreeNopCount returns how many large frees were ignored
func (a *Allocator) FreeNopCount() int64 {
	return a.large.FreeNopCount()
}

// SizeClasses returns a copy of the size-class table
func (a *Allocator) SizeClasses() []SizeClass {
	return append([]SizeClass(nil), a.table.classes...)
}

// Zones returns the zones backing the size classes, smallest first
func (a *Allocator) Zones() []*zone.Zone {
	return append([]*zone.Zone(nil), a.zones...)
}

// Alignment returns the size-class alignment
func (a *Allocator) Alignment() uint64 {
	return a.table.align
}

// DLUTLimit returns the first size the direct lookup table does not cover
func (a *Allocator) DLUTLimit() uint64 {
	return a.table.dlutLimit
}

// Ceiling returns the first size for which no zone exists
func (a *Allocator) Ceiling() uint64 {
	return a.table.ceiling
}

// PreRoundedCeiling returns the smallest request size that takes the large path
func (a *Allocator) PreRoundedCeiling() uint64 {
	return a.table.preRounded
}

// LargeRegionThreshold returns the smallest large size served from the kernel map
func (a *Allocator) LargeRegionThreshold() uint64 {
	return a.kernmapSize
}

// PageSize returns the page size
func (a *Allocator) PageSize() uint64 {
	return a.pageSize
}

// KernelMap returns the kernel address space
func (a *Allocator) KernelMap() *vm.Map {
	return a.kernelMap
}

// LargeMap returns the dedicated large-allocation region
func (a *Allocator) LargeMap() *vm.Map {
	return a.largeMap
}
