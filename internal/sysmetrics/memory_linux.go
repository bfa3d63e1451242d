//go:build linux

package sysmetrics

import "golang.org/x/sys/unix"

func readMemory() (memory, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return memory{}, err
	}
	unit := uint64(info.Unit)
	return memory{
		total:   uint64(info.Totalram) * unit,
		free:    uint64(info.Freeram) * unit,
		virtual: (uint64(info.Totalram) + uint64(info.Totalswap)) * unit,
	}, nil
}
