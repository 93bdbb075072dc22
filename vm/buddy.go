package vm

import (
	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/logger"
)

// Alloc reserves and backs a wired range of at least size bytes
func (m *Map) Alloc(size uint64) (uint64, error) {
	return m.alloc(size, false, false)
}

// AllocPageable reserves a pageable range of at least size bytes
func (m *Map) AllocPageable(size uint64) (uint64, error) {
	return m.alloc(size, true, false)
}

func (m *Map) alloc(size uint64, pageable, permanent bool) (uint64, error) {
	if size == 0 || size > m.size {
		return 0, errors.Wrapf(ErrInvalidSize, "%s: %d bytes", m.name, size)
	}
	order := m.getOrder(size)
	if order > m.maxOrder {
		return 0, errors.Wrapf(ErrNoSpace, "%s: %d bytes", m.name, size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Find available block from current order up
	for i := order; i <= m.maxOrder; i++ {
		start, ok := m.free[i].DeleteMin()
		if !ok {
			continue
		}
		if _, exists := m.allocated[start]; exists {
			panic(errors.AssertionFailedf("%s: offset %#x is already allocated", m.name, start))
		}

		// Split block if too large
		for j := i - 1; j >= order; j-- {
			m.free[j].ReplaceOrInsert(start + m.blockSize(j))
		}

		m.allocated[start] = &Block{
			start:     start,
			size:      size,
			order:     order,
			pageable:  pageable,
			permanent: permanent,
		}
		m.used += m.blockSize(order)
		if pageable {
			m.pageable += m.blockSize(order)
		}
		return m.base + start, nil
	}
	return 0, errors.Wrapf(ErrNoSpace, "%s: %d bytes", m.name, size)
}

// Free releases the range at addr. size must be the size passed to Alloc,
// or zero to skip the check.
func (m *Map) Free(addr, size uint64) error {
	if !m.Contains(addr) {
		return errors.Wrapf(ErrBlockNotFound, "%s: %#x outside map", m.name, addr)
	}
	start := addr - m.base

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Find the block in allocated blocks
	block, exists := m.allocated[start]
	if !exists {
		return errors.Wrapf(ErrBlockNotFound, "%s: %#x", m.name, addr)
	}
	if block.permanent {
		return errors.Wrapf(ErrPermanent, "%s: %#x", m.name, addr)
	}
	if size != 0 && m.getOrder(size) != block.order {
		return errors.Wrapf(ErrSizeMismatch, "%s: %#x allocated with %d bytes, freed with %d",
			m.name, addr, block.size, size)
	}

	delete(m.allocated, start)
	m.used -= m.blockSize(block.order)
	if block.pageable {
		m.pageable -= m.blockSize(block.order)
	}
	m.mergeBlockLocked(start, block.order)
	return nil
}

// mergeBlockLocked returns a block to the free lists, coalescing it with
// free buddies as far as possible.
func (m *Map) mergeBlockLocked(start uint64, order int) {
	for order < m.maxOrder {
		buddyStart := start ^ m.blockSize(order)
		if !m.free[order].Has(buddyStart) {
			break
		}
		m.free[order].Delete(buddyStart)
		if buddyStart < start {
			start = buddyStart
		}
		order++
	}
	m.free[order].ReplaceOrInsert(start)
	if logger.Enabled(logger.LogLevelDebug) {
		logger.Debug("%s: free block at %#x order %d", m.name, m.base+start, order)
	}
}
