package kalloc

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrNoMemory marks every allocation that could not be satisfied
	ErrNoMemory = errors.New("kalloc: out of memory")
	// ErrWouldBlock marks non-blocking allocations that would have had to wait
	ErrWouldBlock = errors.New("kalloc: allocation would block")
	// ErrInvalidConfig is returned when the allocator configuration is unusable
	ErrInvalidConfig = errors.New("kalloc: invalid configuration")
)
