package zone

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrExhausted is returned when a zone reached its maximum size or its
	// source map has no room for another chunk
	ErrExhausted = errors.New("zone: exhausted")
	// ErrWouldBlock is returned by non-blocking allocations that would need to grow the zone
	ErrWouldBlock = errors.New("zone: allocation would block")
	// ErrInvalidAddress is returned when freeing an address the zone does not own
	ErrInvalidAddress = errors.New("zone: invalid address")
	// ErrNotAllocated is returned when freeing an element that is already free
	ErrNotAllocated = errors.New("zone: element not allocated")
)
