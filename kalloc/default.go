package kalloc

import (
	"sync"

	"github.com/shenjiangwei/kalloc/logger"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Init creates the process-wide allocator from cfg. Only the first call
// does anything; later calls return the existing allocator. Failing to
// initialize is fatal.
func Init(cfg Config) *Allocator {
	defaultOnce.Do(func() {
		a, err := New(cfg)
		if err != nil {
			logger.Fatal("kalloc_init: %v", err)
		}
		defaultAllocator = a
	})
	return defaultAllocator
}

// Default returns the process-wide allocator, initializing it with
// DefaultConfig if Init was never called.
func Default() *Allocator {
	return Init(DefaultConfig())
}
