// Package zone provides fixed-element-size pools carved out of a vm.Map.
package zone

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/ledger"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/shenjiangwei/kalloc/vm"
)

// maxChunkPages bounds the chunk size considered when sizing a zone
const maxChunkPages = 8

// A chunk stops growing once its tail is at most 1/maxWasteRatio of it
const maxWasteRatio = 10

// chunk is one range obtained from the source map and split into elements
type chunk struct {
	start uint64
	used  uint64   // elements in use
	inuse []uint64 // bitmap of elements in use
}

// Zone hands out elements of one fixed size
type Zone struct {
	name      string
	elemSize  uint64
	allocSize uint64 // chunk size
	maxSize   uint64
	source    *vm.Map

	mutex      sync.Mutex
	chunks     map[uint64]*chunk // chunk start -> chunk
	freeList   []uint64
	countInUse uint64
	curSize    uint64
	sumCount   uint64

	callerAcct bool
	index      int
	task       func() *ledger.Task
}

// Info is a point-in-time summary of a zone
type Info struct {
	Name       string
	ElemSize   uint64
	AllocSize  uint64
	CountInUse uint64
	FreeCount  uint64
	CurSize    uint64
	MaxSize    uint64
	SumCount   uint64
	CallerAcct bool
}

// Option configures a zone
type Option func(*Zone)

// WithTask sets the locator of the task billed when caller accounting is on
func WithTask(fn func() *ledger.Task) Option {
	return func(z *Zone) {
		z.task = fn
	}
}

// WithIndex sets the zone index used for per-task usage counters
func WithIndex(index int) Option {
	return func(z *Zone) {
		z.index = index
	}
}

// New creates a zone of elemSize elements that grows up to maxSize bytes
// by taking chunks from source. Caller accounting starts enabled.
func New(name string, elemSize, maxSize uint64, source *vm.Map, opts ...Option) *Zone {
	if elemSize == 0 {
		panic(errors.AssertionFailedf("zone %s: zero element size", name))
	}
	z := &Zone{
		name:       name,
		elemSize:   elemSize,
		source:     source,
		chunks:     make(map[uint64]*chunk),
		callerAcct: true,
		index:      -1,
		task:       ledger.Kernel,
	}
	for _, opt := range opts {
		opt(z)
	}
	z.allocSize = chooseAllocSize(elemSize, source.PageSize())
	z.maxSize = (maxSize + z.allocSize - 1) / z.allocSize * z.allocSize
	if z.maxSize == 0 {
		z.maxSize = z.allocSize
	}
	logger.Debug("Created zone %s: element %d, chunk %d, max %d", name, elemSize, z.allocSize, z.maxSize)
	return z
}

// chooseAllocSize picks the smallest power-of-two page count whose chunk
// wastes no more than a tenth of itself on the tail. Failing that, the
// chunk with the least waste relative to its size wins.
func chooseAllocSize(elemSize, pageSize uint64) uint64 {
	pages := (elemSize + pageSize - 1) / pageSize
	if pages > 1 {
		pages = 1 << bits.Len64(pages-1)
	}
	best := pages * pageSize
	bestWaste := best % elemSize
	for p := pages * 2; p <= maxChunkPages && bestWaste*maxWasteRatio > best; p *= 2 {
		size := p * pageSize
		// waste/size < bestWaste/best
		if waste := size % elemSize; waste*best < bestWaste*size {
			best, bestWaste = size, waste
		}
	}
	return best
}

// SetCallerAcct turns billing of the calling task on or off
func (z *Zone) SetCallerAcct(on bool) {
	z.mutex.Lock()
	z.callerAcct = on
	z.mutex.Unlock()
}

// Name returns the zone name
func (z *Zone) Name() string {
	return z.name
}

// ElemSize returns the element size
func (z *Zone) ElemSize() uint64 {
	return z.elemSize
}

// Alloc allocates one element. When canBlock is false the zone does not
// grow and fails with ErrWouldBlock if no element is free.
func (z *Zone) Alloc(canBlock bool) (uint64, error) {
	z.mutex.Lock()
	if len(z.freeList) == 0 {
		if !canBlock {
			z.mutex.Unlock()
			return 0, errors.Wrapf(ErrWouldBlock, "%s", z.name)
		}
		if err := z.growLocked(); err != nil {
			z.mutex.Unlock()
			return 0, err
		}
	}

	addr := z.freeList[len(z.freeList)-1]
	z.freeList = z.freeList[:len(z.freeList)-1]
	c, i := z.locateLocked(addr)
	c.inuse[i/64] |= 1 << (i % 64)
	c.used++
	z.countInUse++
	z.sumCount++
	acct := z.callerAcct
	z.mutex.Unlock()

	if acct {
		z.charge(z.elemSize)
	}
	return addr, nil
}

// Free returns an element to the zone
func (z *Zone) Free(addr uint64) error {
	z.mutex.Lock()
	c, i := z.locateLocked(addr)
	if c == nil {
		z.mutex.Unlock()
		logger.Error("Invalid address %#x for zone %s", addr, z.name)
		return errors.Wrapf(ErrInvalidAddress, "%s: %#x", z.name, addr)
	}
	if c.inuse[i/64]&(1<<(i%64)) == 0 {
		z.mutex.Unlock()
		return errors.Wrapf(ErrNotAllocated, "%s: %#x", z.name, addr)
	}
	c.inuse[i/64] &^= 1 << (i % 64)
	c.used--
	z.countInUse--
	z.freeList = append(z.freeList, addr)
	acct := z.callerAcct
	z.mutex.Unlock()

	if acct {
		z.credit(z.elemSize)
	}
	return nil
}

// Collect returns chunks with no elements in use to the source map and
// reports the bytes released.
func (z *Zone) Collect() uint64 {
	z.mutex.Lock()
	defer z.mutex.Unlock()

	var released uint64
	for start, c := range z.chunks {
		if c.used != 0 {
			continue
		}
		if err := z.source.Free(start, z.allocSize); err != nil {
			logger.Error("Failed to release chunk %#x of zone %s: %v", start, z.name, err)
			continue
		}
		delete(z.chunks, start)
		z.curSize -= z.allocSize
		released += z.allocSize
	}
	if released == 0 {
		return 0
	}

	// Drop free elements that belonged to released chunks
	kept := z.freeList[:0]
	for _, addr := range z.freeList {
		if c, _ := z.locateLocked(addr); c != nil {
			kept = append(kept, addr)
		}
	}
	z.freeList = kept
	logger.Debug("Zone %s released %d bytes", z.name, released)
	return released
}

// Info returns a summary of the zone
func (z *Zone) Info() Info {
	z.mutex.Lock()
	defer z.mutex.Unlock()
	return Info{
		Name:       z.name,
		ElemSize:   z.elemSize,
		AllocSize:  z.allocSize,
		CountInUse: z.countInUse,
		FreeCount:  uint64(len(z.freeList)),
		CurSize:    z.curSize,
		MaxSize:    z.maxSize,
		SumCount:   z.sumCount,
		CallerAcct: z.callerAcct,
	}
}

// growLocked adds one chunk to the zone
func (z *Zone) growLocked() error {
	if z.curSize+z.allocSize > z.maxSize {
		logger.Error("Zone %s exhausted at %d bytes", z.name, z.curSize)
		return errors.Wrapf(ErrExhausted, "%s: reached %d bytes", z.name, z.maxSize)
	}
	start, err := z.source.Alloc(z.allocSize)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "growing zone %s", z.name), ErrExhausted)
	}

	n := z.allocSize / z.elemSize
	z.chunks[start] = &chunk{
		start: start,
		inuse: make([]uint64, (n+63)/64),
	}
	z.curSize += z.allocSize
	// Push in reverse so the lowest address is handed out first
	for i := n; i > 0; i-- {
		z.freeList = append(z.freeList, start+(i-1)*z.elemSize)
	}
	logger.Debug("Zone %s grew by %d bytes at %#x", z.name, z.allocSize, start)
	return nil
}

// locateLocked finds the chunk holding addr and the element index within
// it. It returns nil if addr is not the start of an element of this zone.
func (z *Zone) locateLocked(addr uint64) (*chunk, uint64) {
	if !z.source.Contains(addr) {
		return nil, 0
	}
	base := z.source.Min()
	start := base + (addr-base)&^(z.allocSize-1)
	c, ok := z.chunks[start]
	if !ok {
		return nil, 0
	}
	offset := addr - start
	if offset%z.elemSize != 0 || offset/z.elemSize >= z.allocSize/z.elemSize {
		return nil, 0
	}
	return c, offset / z.elemSize
}

func (z *Zone) charge(bytes uint64) {
	task := z.task()
	if task == nil {
		return
	}
	task.Ledger.Charge(ledger.EntryPrivate, bytes)
	task.RecordAlloc(z.index, bytes)
}

func (z *Zone) credit(bytes uint64) {
	task := z.task()
	if task == nil {
		return
	}
	task.Ledger.Credit(ledger.EntryPrivate, bytes)
	task.RecordFree(z.index, bytes)
}
