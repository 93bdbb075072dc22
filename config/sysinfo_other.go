//go:build !linux

package config

import (
	"os"

	"github.com/cockroachdb/errors"
)

// HostPhysicalMemory is only supported on Linux
func HostPhysicalMemory() (uint64, error) {
	return 0, errors.New("physical memory detection is not supported on this platform")
}

// HostPageSize returns the page size of the machine
func HostPageSize() (uint64, error) {
	return uint64(os.Getpagesize()), nil
}
