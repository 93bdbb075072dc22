// Package vm manages abstract kernel virtual address spaces.
//
// A Map covers a fixed [base, base+size) range and hands out page-backed
// ranges with a buddy system. Sub-maps carve a permanent range out of a
// parent map, the way a dedicated allocation region is reserved from the
// kernel address space. Addresses are plain numbers: nothing is mapped.
package vm

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/shenjiangwei/kalloc/logger"
)

const freeListDegree = 8

// Block represents an allocated range within a map
type Block struct {
	start     uint64 // offset from the map base
	size      uint64 // requested size
	order     int
	pageable  bool
	permanent bool
}

// Map manages one address range using the buddy system
type Map struct {
	name     string
	base     uint64
	size     uint64
	pageSize uint64
	maxOrder int

	mutex     sync.RWMutex
	free      []*btree.BTreeG[uint64] // free block offsets per order
	allocated map[uint64]*Block       // offset -> block
	used      uint64                  // bytes held by allocated blocks
	pageable  uint64
	parent    *Map
}

// Info is a point-in-time summary of a map
type Info struct {
	Name        string
	Min         uint64
	Max         uint64
	Size        uint64
	Used        uint64
	Pageable    uint64
	Allocations int
}

// NewMap creates a map over [base, base+size). size is rounded down to a
// whole number of pages.
func NewMap(name string, base, size, pageSize uint64) (*Map, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, errors.Newf("vm: page size %d is not a power of two", pageSize)
	}
	size &^= pageSize - 1
	if size == 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "map %s smaller than one page", name)
	}
	if base+size-1 < base {
		return nil, errors.Newf("vm: map %s wraps the address space", name)
	}

	m := &Map{
		name:      name,
		base:      base,
		size:      size,
		pageSize:  pageSize,
		maxOrder:  bits.Len64(size/pageSize) - 1,
		allocated: make(map[uint64]*Block),
	}
	m.free = make([]*btree.BTreeG[uint64], m.maxOrder+1)
	for i := range m.free {
		m.free[i] = btree.NewOrderedG[uint64](freeListDegree)
	}

	// Carve the range into the largest aligned blocks that fit
	for off := uint64(0); off < size; {
		order := m.maxOrder
		for order > 0 && (off&(m.blockSize(order)-1) != 0 || off+m.blockSize(order) > size) {
			order--
		}
		m.free[order].ReplaceOrInsert(off)
		off += m.blockSize(order)
	}

	logger.Debug("Created map %s at %#x size %d", name, base, size)
	return m, nil
}

// Suballoc reserves size bytes from m permanently and returns a map that
// manages exactly that range.
func (m *Map) Suballoc(name string, size uint64) (*Map, error) {
	size = m.roundPage(size)
	addr, err := m.alloc(size, false, true)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %d bytes for %s", size, name)
	}
	sub, err := NewMap(name, addr, size, m.pageSize)
	if err != nil {
		return nil, err
	}
	sub.parent = m
	logger.Info("Reserved sub-map %s [%#x, %#x] from %s", name, sub.Min(), sub.Max(), m.name)
	return sub, nil
}

// Name returns the map name
func (m *Map) Name() string {
	return m.name
}

// Min returns the lowest address in the map
func (m *Map) Min() uint64 {
	return m.base
}

// Max returns the highest address in the map
func (m *Map) Max() uint64 {
	return m.base + m.size - 1
}

// Size returns the number of bytes the map covers
func (m *Map) Size() uint64 {
	return m.size
}

// PageSize returns the map page size
func (m *Map) PageSize() uint64 {
	return m.pageSize
}

// Parent returns the map this one was reserved from, or nil
func (m *Map) Parent() *Map {
	return m.parent
}

// Contains reports whether addr lies within the map
func (m *Map) Contains(addr uint64) bool {
	return addr >= m.base && addr <= m.Max()
}

// GetUsedSize returns the total size of allocated ranges
func (m *Map) GetUsedSize() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.used
}

// Info returns a summary of the map
func (m *Map) Info() Info {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return Info{
		Name:        m.name,
		Min:         m.Min(),
		Max:         m.Max(),
		Size:        m.size,
		Used:        m.used,
		Pageable:    m.pageable,
		Allocations: len(m.allocated),
	}
}

func (m *Map) blockSize(order int) uint64 {
	return m.pageSize << uint(order)
}

func (m *Map) roundPage(size uint64) uint64 {
	return (size + m.pageSize - 1) &^ (m.pageSize - 1)
}

// getOrder calculates the order of the smallest block holding size bytes
func (m *Map) getOrder(size uint64) int {
	pages := m.roundPage(size) / m.pageSize
	if pages <= 1 {
		return 0
	}
	return bits.Len64(pages - 1)
}
