package kalloc

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/zone"
)

// Profile names a built-in size-class table
type Profile string

const (
	// ProfilePow2 is the power-of-two table with a 16 byte minimum and alignment
	ProfilePow2 Profile = "pow2"
	// ProfileTuned is the denser table with an 8 byte minimum and alignment
	ProfileTuned Profile = "tuned"
)

// dlutSpan is the request size range covered by the direct lookup table
const dlutSpan = 2048

type profileTable struct {
	align  uint64
	sizes  []uint64
	maxima []uint64
}

// Sizes above 4096 (pow2) or 6144 (tuned) only get zones when the page size
// pushes the ceiling past them.
var profiles = map[Profile]profileTable{
	ProfilePow2: {
		align: 16,
		sizes: []uint64{
			16, 32, 64, 128, 256, 512, 1024, 2048, 4096,
			8192, 16384, 32768,
		},
		maxima: []uint64{
			1024, 4096, 4096, 4096, 4096, 1024, 1024, 1024, 1024,
			4096, 64, 64,
		},
	},
	ProfileTuned: {
		align: 8,
		sizes: []uint64{
			8,
			16, 24,
			32, 40, 48,
			64, 88, 112,
			128, 192,
			256, 384,
			512, 768,
			1024, 1536,
			2048, 3072,
			4096, 6144,
			8192, 16384, 32768,
		},
		maxima: []uint64{
			1024,
			1024, 1024,
			4096, 4096, 4096,
			4096, 4096, 4096,
			4096, 4096,
			4096, 4096,
			1024, 1024,
			1024, 1024,
			1024, 1024,
			1024, 64,
			4096, 64, 64,
		},
	},
}

// SizeClass is one supported element size and the zone backing it
type SizeClass struct {
	Size        uint64
	Name        string
	MaxElements uint64
	// Zone is nil for sizes at or above the size-class ceiling
	Zone *zone.Zone
}

// sizeTable maps request sizes to size classes
type sizeTable struct {
	classes []SizeClass
	align   uint64

	// dlut[i] is the smallest class holding i*align bytes
	dlut      []uint8
	dlutLimit uint64
	// fallbackStart is where the search begins for sizes past the dlut
	fallbackStart int

	ceiling    uint64 // first size with no zone
	preRounded uint64 // smallest unrounded size that has no zone
}

func newSizeTable(align uint64, sizes, maxima []uint64, ceiling uint64) (*sizeTable, error) {
	if align == 0 || align&(align-1) != 0 || align > dlutSpan/2 {
		return nil, errors.Wrapf(ErrInvalidConfig, "alignment %d must be a power of two no larger than %d", align, dlutSpan/2)
	}
	if len(sizes) == 0 || len(sizes) != len(maxima) {
		return nil, errors.Wrapf(ErrInvalidConfig, "%d sizes with %d maxima", len(sizes), len(maxima))
	}
	if len(sizes) > math.MaxUint8 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%d size classes, at most %d supported", len(sizes), math.MaxUint8)
	}

	t := &sizeTable{
		classes:    make([]SizeClass, len(sizes)),
		align:      align,
		ceiling:    ceiling,
		preRounded: ceiling/2 + 1,
	}
	for i, size := range sizes {
		if size == 0 || size%align != 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "size %d is not a positive multiple of %d", size, align)
		}
		if i > 0 && size <= sizes[i-1] {
			return nil, errors.Wrapf(ErrInvalidConfig, "sizes must be strictly ascending: %d after %d", size, sizes[i-1])
		}
		t.classes[i] = SizeClass{
			Size:        size,
			Name:        fmt.Sprintf("kalloc.%d", size),
			MaxElements: maxima[i],
		}
	}

	// Every size below preRounded must land on a class that gets a zone
	covering := t.firstAtLeast(0, t.preRounded-1)
	if covering < 0 || t.classes[covering].Size >= ceiling {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"no size class below %d holds %d bytes", ceiling, t.preRounded-1)
	}

	// Build the direct lookup table for small allocations
	n := dlutSpan / align
	t.dlut = make([]uint8, n)
	t.dlutLimit = (n - 1) * align
	zindex := 0
	for i := uint64(0); i < n; i++ {
		for t.classes[zindex].Size < i*align {
			zindex++
		}
		t.dlut[i] = uint8(zindex)
	}
	t.fallbackStart = t.firstAtLeast(0, t.dlutLimit)
	return t, nil
}

// firstAtLeast returns the index of the first class from start on that
// holds size bytes, or -1.
func (t *sizeTable) firstAtLeast(start int, size uint64) int {
	for i := start; i < len(t.classes); i++ {
		if t.classes[i].Size >= size {
			return i
		}
	}
	return -1
}

// resolve returns the index of the class serving size, or -1 if size must
// take the large path.
func (t *sizeTable) resolve(size uint64) int {
	if size < t.dlutLimit {
		return int(t.dlut[(size+t.align-1)/t.align])
	}
	if size < t.preRounded {
		return t.search(size)
	}
	return -1
}

// search scans upward from fallbackStart for the next class that fits
func (t *sizeTable) search(size uint64) int {
	if size >= t.preRounded {
		panic(errors.AssertionFailedf("kalloc: size %d searched past the pooled range", size))
	}
	i := t.fallbackStart
	for i < len(t.classes) && t.classes[i].Size < size {
		i++
	}
	if i >= len(t.classes) || t.classes[i].Size >= t.ceiling {
		panic(errors.AssertionFailedf("kalloc: no zone for %d bytes", size))
	}
	return i
}

// lookupCost reports the class serving size and the number of compares
// resolve spends finding it.
func (t *sizeTable) lookupCost(size uint64) (index, compares int, ok bool) {
	if size < t.dlutLimit {
		return t.resolve(size), 1, true
	}
	if size < t.preRounded {
		compares = 2
		i := t.fallbackStart
		for t.classes[i].Size < size {
			i++
			compares++
		}
		return i, compares + 1, true
	}
	return -1, 2, false
}
