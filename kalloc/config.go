package kalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/ledger"
	"github.com/shenjiangwei/kalloc/vm"
)

const (
	// MinRegionSize is the smallest large-allocation region
	MinRegionSize = 16 * 1024 * 1024
	// MaxRegionSize caps the large-allocation region when the address space is constrained
	MaxRegionSize = 128 * 1024 * 1024

	// minCeiling is the smallest size-class ceiling regardless of page size
	minCeiling = 16 * 1024
	// kernmapFactor scales the ceiling to the size above which large
	// allocations skip the dedicated region
	kernmapFactor = 16
)

// Config describes the machine and the size-class table
type Config struct {
	// PhysicalMemory sizes the large-allocation region
	PhysicalMemory uint64
	// PageSize is the native page size; a power of two
	PageSize uint64
	// ConstrainedAddressSpace caps the large-allocation region at MaxRegionSize
	ConstrainedAddressSpace bool

	// Profile selects a built-in size-class table when Sizes is empty
	Profile Profile
	// Sizes, Maxima and Alignment describe a custom size-class table
	Sizes     []uint64
	Maxima    []uint64
	Alignment uint64

	// KernelMapBase and KernelMapSize place the kernel address space when
	// KernelMap is nil
	KernelMapBase uint64
	KernelMapSize uint64
	KernelMap     *vm.Map

	// CurrentTask locates the task charged for large allocations; defaults
	// to the kernel task
	CurrentTask func() *ledger.Task
}

// DefaultConfig returns a configuration for a 64-bit machine with 8GiB of
// memory and 4KiB pages.
func DefaultConfig() Config {
	return Config{
		PhysicalMemory: 8 << 30,
		PageSize:       4096,
		Profile:        ProfileTuned,
		KernelMapBase:  0xffffff8000000000,
		KernelMapSize:  64 << 30,
	}
}

// table returns the size-class table the config selects
func (c Config) table() (align uint64, sizes, maxima []uint64, err error) {
	if len(c.Sizes) > 0 {
		return c.Alignment, c.Sizes, c.Maxima, nil
	}
	profile := c.Profile
	if profile == "" {
		profile = ProfileTuned
	}
	p, ok := profiles[profile]
	if !ok {
		return 0, nil, nil, errors.Wrapf(ErrInvalidConfig, "unknown profile %q", profile)
	}
	return p.align, p.sizes, p.maxima, nil
}

func (c Config) validate() error {
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.Wrapf(ErrInvalidConfig, "page size %d is not a power of two", c.PageSize)
	}
	if c.KernelMap == nil && c.KernelMapSize == 0 {
		return errors.Wrap(ErrInvalidConfig, "no kernel map")
	}
	return nil
}

// regionSize scales the large-allocation region to physical memory
func (c Config) regionSize() uint64 {
	size := c.PhysicalMemory >> 5
	if c.ConstrainedAddressSpace && size > MaxRegionSize {
		size = MaxRegionSize
	}
	if size < MinRegionSize {
		size = MinRegionSize
	}
	return size
}

// ceiling returns the first size for which no zone exists
func (c Config) ceiling() uint64 {
	if c.PageSize < minCeiling {
		return minCeiling
	}
	return c.PageSize
}
