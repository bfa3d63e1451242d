//go:build !linux

package sysmetrics

import "errors"

func readMemory() (memory, error) {
	return memory{}, errors.ErrUnsupported
}
