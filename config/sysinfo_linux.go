package config

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// HostPhysicalMemory returns the physical memory of the machine
func HostPhysicalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, errors.Wrap(err, "sysinfo")
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, nil
}

// HostPageSize returns the page size of the machine
func HostPageSize() (uint64, error) {
	return uint64(unix.Getpagesize()), nil
}
