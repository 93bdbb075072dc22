package vm

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrNoSpace is returned when no free range large enough is left in a map
	ErrNoSpace = errors.New("vm: no space available")
	// ErrInvalidSize is returned for zero-sized or oversized requests
	ErrInvalidSize = errors.New("vm: invalid size")
	// ErrBlockNotFound is returned when freeing an address that was not allocated
	ErrBlockNotFound = errors.New("vm: block not found")
	// ErrSizeMismatch is returned when the size given to Free does not match the allocation
	ErrSizeMismatch = errors.New("vm: size does not match allocation")
	// ErrPermanent is returned when freeing a range reserved for a sub-map
	ErrPermanent = errors.New("vm: range is permanent")
)
